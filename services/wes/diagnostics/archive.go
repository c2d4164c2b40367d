package diagnostics

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

// BuildConfig drives the capture of a failed run's working directory.
type BuildConfig struct {
	RunDir     string
	RunID      string
	FinalState string
	Output     string
	Signer     *Signer

	// Exclude lists basenames that must never enter the archive, such as the
	// engine parameter file that may hold injected secrets.
	Exclude []string

	// Redact, when non-nil, rewrites file contents before archiving. The
	// manifest hashes cover the redacted bytes.
	Redact func([]byte) []byte

	Now func() time.Time
}

// Build captures every regular file under the run directory into a signed
// tar.zst archive at cfg.Output and returns the embedded manifest.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("run directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.RunDir)
	if err != nil {
		return nil, fmt.Errorf("stat run dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run dir %q is not a directory", cfg.RunDir)
	}

	excluded := make(map[string]bool, len(cfg.Exclude))
	for _, name := range cfg.Exclude {
		excluded[name] = true
	}

	files, contents, err := collectFiles(ctx, cfg, excluded)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no files found to archive")
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		RunID:            cfg.RunID,
		FinalState:       cfg.FinalState,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Files:            files,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(cfg.Output, manifestBytes, files, contents); err != nil {
		return nil, err
	}
	return manifest, nil
}

func collectFiles(ctx context.Context, cfg BuildConfig, excluded map[string]bool) ([]ManifestFile, map[string][]byte, error) {
	var files []ManifestFile
	contents := map[string][]byte{}

	err := filepath.WalkDir(cfg.RunDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if excluded[d.Name()] {
			return nil
		}

		rel, err := filepath.Rel(cfg.RunDir, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		if cfg.Redact != nil {
			data = cfg.Redact(data)
		}

		sum := sha256.Sum256(data)
		files = append(files, ManifestFile{
			Path:   rel,
			Size:   int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
		contents[rel] = data
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return files, contents, nil
}

func writeArchive(output string, manifest []byte, files []ManifestFile, contents map[string][]byte) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	now := time.Now().UTC()
	if err := writeEntry(tw, manifestFileName, manifest, now); err != nil {
		return err
	}
	for _, f := range files {
		name := filepath.ToSlash(filepath.Join(filesTarPrefix, f.Path))
		if err := writeEntry(tw, name, contents[f.Path], now); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write body for %q: %w", name, err)
	}
	return nil
}

// Read opens an archive, verifies the manifest signature with signer, and
// returns the manifest.
func Read(path string, signer *Signer) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if err != nil {
			return nil, errors.New("archive missing manifest.yaml")
		}
		if filepath.Clean(header.Name) != manifestFileName {
			continue
		}

		var manifest Manifest
		if err := yaml.NewDecoder(tr).Decode(&manifest); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
		if manifest.Version != "1" {
			return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
		}
		if manifest.Signature == "" {
			return nil, errors.New("manifest missing signature")
		}
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for verification: %w", err)
		}
		if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
		return &manifest, nil
	}
}
