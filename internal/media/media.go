// Package media downloads remote attachments into scoped temporary files.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default values for downloader configuration.
const (
	DefaultTimeout = 60 * time.Second
	defaultExt     = ".tmp"
	filePrefix     = "media_"
	fallbackMime   = "application/octet-stream"
)

var (
	// ErrUnsupportedKind is returned when a media kind has no send path.
	ErrUnsupportedKind = errors.New("unsupported media kind")
	// ErrDownload is wrapped by every download failure.
	ErrDownload = errors.New("media download failed")
)

// File describes a downloaded attachment on local disk.
type File struct {
	Path      string // absolute path of the temp file
	SourceURL string // URL it was downloaded from
	MimeType  string
	FileName  string // base name of the source URL, used as document title
	Size      int64
}

// Opts holds configuration options for Downloader.
type Opts struct {
	TempDir    string
	HTTPClient *http.Client
}

// Option configures a Downloader.
type Option func(*Opts)

// WithTempDir sets the directory for downloaded files.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.TempDir = dir }
}

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Downloader fetches media URLs into temporary files.
type Downloader struct {
	tempDir string
	client  *http.Client
}

// NewDownloader creates a Downloader. The temp directory is created if missing.
func NewDownloader(opts ...Option) (*Downloader, error) {
	cfg := Opts{
		TempDir:    filepath.Join(os.TempDir(), "pacepipe"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media temp dir %s: %w", cfg.TempDir, err)
	}
	slog.Debug("Downloader.NewDownloader: configured", "tempDir", cfg.TempDir)
	return &Downloader{tempDir: cfg.TempDir, client: cfg.HTTPClient}, nil
}

// Download fetches rawURL into <tempDir>/media_<uuid><ext>. The returned
// cleanup removes the file; it is safe to call on every path and logs
// rather than returns removal failures.
func (d *Downloader) Download(ctx context.Context, rawURL string) (File, func(), error) {
	noop := func() {}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return File{}, noop, fmt.Errorf("%w: invalid url %q", ErrDownload, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, noop, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, noop, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return File{}, noop, fmt.Errorf("%w: %s returned status %d", ErrDownload, rawURL, resp.StatusCode)
	}

	ext := Extension(u.Path)
	target := filepath.Join(d.tempDir, filePrefix+uuid.NewString()+ext)
	cleanup := func() {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Downloader.Download: failed to remove temp file", "path", target, "error", err)
		}
	}

	f, err := os.Create(target)
	if err != nil {
		return File{}, noop, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		cleanup()
		return File{}, noop, fmt.Errorf("%w: %v", ErrDownload, errors.Join(copyErr, closeErr))
	}

	file := File{
		Path:      target,
		SourceURL: rawURL,
		MimeType:  MimeType(resp.Header.Get("Content-Type"), ext),
		FileName:  path.Base(u.Path),
		Size:      n,
	}
	slog.Debug("Downloader.Download: saved", "url", rawURL, "path", target, "bytes", n)
	return file, cleanup, nil
}

// Extension returns the lowercase extension of a URL path, or ".tmp".
func Extension(urlPath string) string {
	ext := strings.ToLower(path.Ext(urlPath))
	if ext == "" || ext == "." {
		return defaultExt
	}
	return ext
}

// MimeType prefers the response header and falls back to the extension.
func MimeType(header, ext string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		mt, _, _ = strings.Cut(mt, ";")
		return mt
	}
	return fallbackMime
}
