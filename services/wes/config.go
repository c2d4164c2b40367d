package wes

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration. Values come from the environment, with
// an optional YAML file (WES_CONFIG_FILE) applied first so env vars win.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	BaseURL     string `yaml:"base_url"`
	DatabaseURL string `yaml:"database_url"`
	NATSURL     string `yaml:"nats_url"`

	TmpDir     string `yaml:"tmp_dir"`
	OutputDir  string `yaml:"output_dir"`
	ArchiveDir string `yaml:"archive_dir"`
	Debug      bool   `yaml:"debug"`

	RunTimeout time.Duration `yaml:"run_timeout"`

	WorkflowHostAllowList string `yaml:"workflow_host_allow_list"`
	WorkflowAuthToken     string `yaml:"workflow_auth_token"`
	TrustedOrigins        string `yaml:"trusted_origins"`

	JavaBin     string `yaml:"java_bin"`
	CromwellJar string `yaml:"cromwell_jar"`
	WOMToolJar  string `yaml:"womtool_jar"`

	ServiceRegistryURL string        `yaml:"service_registry_url"`
	ServiceURLTTL      time.Duration `yaml:"service_url_ttl"`

	S3Bucket string `yaml:"s3_bucket"`

	// ConfigValues backs workflow inputs of the config kind. File-only: these
	// are deployment constants, not per-process toggles.
	ConfigValues map[string]string `yaml:"config_values"`
}

// LoadConfig builds a Config from WES_CONFIG_FILE (if set) and environment
// variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      ":8080",
		BaseURL:       "http://localhost:8080",
		NATSURL:       "nats://127.0.0.1:4222",
		TmpDir:        "/tmp/wesd",
		OutputDir:     "/data/wesd/output",
		ArchiveDir:    "/data/wesd/diagnostics",
		JavaBin:       "java",
		RunTimeout:    48 * time.Hour,
		ServiceURLTTL: 5 * time.Minute,
	}

	if path := os.Getenv("WES_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	envString(&cfg.HTTPAddr, "WES_HTTP_ADDR")
	envString(&cfg.BaseURL, "WES_BASE_URL")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.NATSURL, "NATS_URL")
	envString(&cfg.TmpDir, "WES_TMP_DIR")
	envString(&cfg.OutputDir, "WES_OUTPUT_DIR")
	envString(&cfg.ArchiveDir, "WES_ARCHIVE_DIR")
	envBool(&cfg.Debug, "WES_DEBUG")
	envDuration(&cfg.RunTimeout, "WES_RUN_TIMEOUT")
	envString(&cfg.WorkflowHostAllowList, "WES_WORKFLOW_HOST_ALLOW_LIST")
	envString(&cfg.WorkflowAuthToken, "WES_WORKFLOW_AUTH_TOKEN")
	envString(&cfg.TrustedOrigins, "WES_TRUSTED_ORIGINS")
	envString(&cfg.JavaBin, "WES_JAVA_BIN")
	envString(&cfg.CromwellJar, "WES_CROMWELL_JAR")
	envString(&cfg.WOMToolJar, "WES_WOMTOOL_JAR")
	envString(&cfg.ServiceRegistryURL, "WES_SERVICE_REGISTRY_URL")
	envDuration(&cfg.ServiceURLTTL, "WES_SERVICE_URL_TTL")
	envString(&cfg.S3Bucket, "S3_BUCKET")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}

// ParseHostAllowList parses a comma-separated host list. An empty list yields
// nil, which disables allow-list checking entirely.
func ParseHostAllowList(raw string) map[string]bool {
	hosts := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		host := strings.TrimSpace(part)
		if host == "" {
			continue
		}
		hosts[host] = true
	}
	if len(hosts) == 0 {
		return nil
	}
	return hosts
}

// ParseTrustedOrigins parses a comma-separated list of origin URLs. Each entry
// is scheme://host/path-prefix; entries without a path trust the whole host.
func ParseTrustedOrigins(raw string) ([]TrustedOrigin, error) {
	var origins []TrustedOrigin
	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted origin %q: %w", entry, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid trusted origin %q: scheme and host are required", entry)
		}
		origins = append(origins, TrustedOrigin{
			Scheme:     u.Scheme,
			Host:       u.Host,
			PathPrefix: u.Path,
		})
	}
	return origins, nil
}

// SecretsFromEnv builds a secret resolver from WES_SECRET_* environment
// variables: WES_SECRET_ACCESS_TOKEN becomes key "access_token".
func SecretsFromEnv() EnvSecretResolver {
	resolver := EnvSecretResolver{}
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "WES_SECRET_") {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, "WES_SECRET_"))
		resolver[key] = value
	}
	return resolver
}
