package wes

import (
	"errors"
	"reflect"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		secrets []string
		want    string
	}{
		{
			name:    "single secret",
			text:    "token=hunter2 ok",
			secrets: []string{"hunter2"},
			want:    "token=<redacted> ok",
		},
		{
			name:    "multiple occurrences",
			text:    "hunter2 and hunter2",
			secrets: []string{"hunter2"},
			want:    "<redacted> and <redacted>",
		},
		{
			name:    "single character secrets skipped",
			text:    "a b c",
			secrets: []string{"a", "b"},
			want:    "a b c",
		},
		{
			name:    "empty secret skipped",
			text:    "nothing to hide",
			secrets: []string{""},
			want:    "nothing to hide",
		},
		{
			name:    "two character secret redacted",
			text:    "pw is xy",
			secrets: []string{"xy"},
			want:    "pw is <redacted>",
		},
		{
			name:    "no secrets",
			text:    "plain",
			secrets: nil,
			want:    "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.text, tt.secrets); got != tt.want {
				t.Errorf("Redact() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInjectSecrets(t *testing.T) {
	meta := WorkflowMetadata{
		ID: "wf",
		Inputs: []WorkflowInput{
			{ID: "input_file", Type: InputKindFile},
			{ID: "token", Type: InputKindSecret, Key: "access_token"},
			{ID: "password", Type: InputKindSecret},
		},
	}
	resolver := EnvSecretResolver{
		"access_token": "tok-123",
		"password":     "hunter2",
	}
	params := map[string]any{"wf.input_file": "/data/in.txt"}

	merged, err := InjectSecrets(params, meta, resolver)
	if err != nil {
		t.Fatalf("InjectSecrets() error = %v", err)
	}

	want := map[string]any{
		"wf.input_file": "/data/in.txt",
		"wf.token":      "tok-123",
		"wf.password":   "hunter2",
	}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("InjectSecrets() = %#v, want %#v", merged, want)
	}

	// The input map must stay untouched: it is what gets persisted.
	if _, ok := params["wf.token"]; ok {
		t.Error("InjectSecrets() mutated the original params map")
	}
}

func TestInjectSecretsMissingKey(t *testing.T) {
	meta := WorkflowMetadata{
		ID:     "wf",
		Inputs: []WorkflowInput{{ID: "token", Type: InputKindSecret}},
	}

	_, err := InjectSecrets(map[string]any{}, meta, EnvSecretResolver{})

	var missing *MissingSecretError
	if !errors.As(err, &missing) {
		t.Fatalf("InjectSecrets() error = %v, want MissingSecretError", err)
	}
	if missing.Key != "token" {
		t.Errorf("Key = %q, want %q", missing.Key, "token")
	}

	// An explicitly configured empty value is not a missing secret.
	merged, err := InjectSecrets(map[string]any{}, meta, EnvSecretResolver{"token": ""})
	if err != nil {
		t.Fatalf("InjectSecrets() with empty value error = %v", err)
	}
	if v, ok := merged["wf.token"]; !ok || v != "" {
		t.Errorf("wf.token = %v (present=%v), want empty string", v, ok)
	}
}

func TestSecretValues(t *testing.T) {
	meta := WorkflowMetadata{
		ID: "wf",
		Inputs: []WorkflowInput{
			{ID: "token", Type: InputKindSecret},
			{ID: "name", Type: InputKindString},
		},
	}
	params := map[string]any{
		"wf.token": "tok-123",
		"wf.name":  "visible",
	}

	got := SecretValues(params, meta)
	want := []string{"tok-123"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SecretValues() = %#v, want %#v", got, want)
	}
}
