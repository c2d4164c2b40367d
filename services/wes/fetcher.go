package wes

import (
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxWorkflowSize caps the size of a fetched workflow definition. Downloads
// are aborted mid-stream as soon as the ceiling is crossed.
const MaxWorkflowSize = 50 * 1024

// TrustedOrigin describes an upstream that may receive the service's auth
// credential. The credential is forwarded only when scheme and host match
// exactly and the request path sits under PathPrefix.
type TrustedOrigin struct {
	Scheme     string
	Host       string
	PathPrefix string
}

func (o TrustedOrigin) matches(u *url.URL) bool {
	return u.Scheme == o.Scheme && u.Host == o.Host && strings.HasPrefix(u.Path, o.PathPrefix)
}

// Fetcher downloads workflow definitions into a local directory with a
// deterministic per-URI filename, so repeated submissions of the same workflow
// reuse one on-disk copy and a stale copy can serve as a fallback when the
// origin is unreachable.
type Fetcher struct {
	Dir          string
	AllowedHosts map[string]bool // nil disables the allow-list
	Trusted      []TrustedOrigin
	AuthHeader   string // forwarded to trusted origins only
	Client       *http.Client
	Logger       *log.Logger
}

// WorkflowPath returns the deterministic local path for a workflow URI. The
// basename encodes the full URI so distinct URIs can never collide.
func (f *Fetcher) WorkflowPath(uri string, wt WorkflowType) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(uri))
	return filepath.Join(f.Dir, fmt.Sprintf("workflow_%s.%s", name, extensionFor(wt)))
}

func extensionFor(wt WorkflowType) string {
	switch wt {
	case WorkflowTypeCWL:
		return "cwl"
	default:
		return "wdl"
	}
}

// Fetch ensures the workflow at uri is present locally and returns its path.
//
// file:// URIs are copied straight from the local filesystem and bypass the
// host allow-list. Remote URIs are checked against the allow-list, downloaded
// to a temporary file, and renamed into place only once complete; if the
// download fails and a previously fetched copy exists, that copy is used.
func (f *Fetcher) Fetch(uri string, wt WorkflowType) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", &DownloadError{URL: uri, Err: err}
	}

	dest := f.WorkflowPath(uri, wt)

	if parsed.Scheme == "file" {
		if err := copyFile(parsed.Path, dest); err != nil {
			return "", &DownloadError{URL: uri, Err: err}
		}
		return dest, nil
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &DownloadError{URL: uri, Err: fmt.Errorf("unsupported scheme %q", parsed.Scheme)}
	}

	if f.AllowedHosts != nil && !f.AllowedHosts[parsed.Host] {
		return "", &DisallowedHostError{Host: parsed.Host}
	}

	if err := f.download(parsed, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			if f.Logger != nil {
				f.Logger.Printf("[WARN] workflow fetch failed, using cached copy of %s: %v", uri, err)
			}
			return dest, nil
		}
		return "", &DownloadError{URL: uri, Err: err}
	}
	return dest, nil
}

func (f *Fetcher) download(u *url.URL, dest string) error {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if f.AuthHeader != "" && f.trustedFor(u) {
		req.Header.Set("Authorization", f.AuthHeader)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	// Read one byte past the ceiling so an oversized body is detected without
	// buffering it all.
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, MaxWorkflowSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > MaxWorkflowSize {
		return fmt.Errorf("workflow exceeds %d byte limit", MaxWorkflowSize)
	}

	return os.Rename(tmp.Name(), dest)
}

func (f *Fetcher) trustedFor(u *url.URL) bool {
	for _, origin := range f.Trusted {
		if origin.matches(u) {
			return true
		}
	}
	return false
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
