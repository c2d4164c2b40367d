package wes

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseHostAllowList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]bool
	}{
		{
			name: "empty disables checking",
			raw:  "",
			want: nil,
		},
		{
			name: "whitespace only disables checking",
			raw:  " , ,",
			want: nil,
		},
		{
			name: "single host",
			raw:  "workflows.example.org",
			want: map[string]bool{"workflows.example.org": true},
		},
		{
			name: "multiple hosts with spacing",
			raw:  "a.example.org, b.example.org:8443 ,c.example.org",
			want: map[string]bool{
				"a.example.org":      true,
				"b.example.org:8443": true,
				"c.example.org":      true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseHostAllowList(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseHostAllowList(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseTrustedOrigins(t *testing.T) {
	t.Run("valid entries", func(t *testing.T) {
		got, err := ParseTrustedOrigins("https://workflows.example.org/store, http://internal:9000")
		if err != nil {
			t.Fatalf("ParseTrustedOrigins() error = %v", err)
		}
		want := []TrustedOrigin{
			{Scheme: "https", Host: "workflows.example.org", PathPrefix: "/store"},
			{Scheme: "http", Host: "internal:9000", PathPrefix: ""},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ParseTrustedOrigins() = %#v, want %#v", got, want)
		}
	})

	t.Run("empty", func(t *testing.T) {
		got, err := ParseTrustedOrigins("")
		if err != nil || got != nil {
			t.Errorf("ParseTrustedOrigins(\"\") = (%#v, %v)", got, err)
		}
	})

	t.Run("missing scheme", func(t *testing.T) {
		if _, err := ParseTrustedOrigins("workflows.example.org/store"); err == nil {
			t.Error("ParseTrustedOrigins() accepted an entry without a scheme")
		}
	})
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("WES_SECRET_ACCESS_TOKEN", "tok-123")
	t.Setenv("WES_SECRET_DB_PASSWORD", "hunter2")
	t.Setenv("WES_TMP_DIR", "/ignored")

	resolver := SecretsFromEnv()
	for key, want := range map[string]string{
		"access_token": "tok-123",
		"db_password":  "hunter2",
	} {
		got, err := resolver.ResolveSecret(key)
		if err != nil {
			t.Fatalf("ResolveSecret(%q) error = %v", key, err)
		}
		if got != want {
			t.Errorf("ResolveSecret(%q) = %q, want %q", key, got, want)
		}
	}
	var missing *MissingSecretError
	if _, err := resolver.ResolveSecret("tmp_dir"); !errors.As(err, &missing) {
		t.Errorf("ResolveSecret(%q) error = %v, want MissingSecretError", "tmp_dir", err)
	}
}
