package diagnostics

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata included in a diagnostics archive. It ties
// the captured files to the run they came from and the state it ended in.
type Manifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	RunID            string         `yaml:"run_id"`
	FinalState       string         `yaml:"final_state"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestFile describes a single captured file. Size and SHA256 cover the
// archived bytes, which may differ from the on-disk file when redaction
// rewrote its contents.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
