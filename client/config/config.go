package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/robertodauria/httpspeed/pkg/speedtest/payload"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
)

// ErrInvalidURL is returned when a configured URL cannot be used.
var ErrInvalidURL = errors.New("invalid URL")

// Provider gives access to the user's persisted test settings.
type Provider interface {
	DownloadURL() string
	UploadURL() string
	SkipDownload() bool
	SkipUpload() bool
}

// TestConfiguration is a snapshot of the settings for one test run.
type TestConfiguration struct {
	// DownloadURL is the URL fetched during the download subtest.
	DownloadURL string

	// UploadURL is the URL the upload payload is posted to.
	UploadURL string

	SkipDownload bool
	SkipUpload   bool

	// Timeout bounds each subtest as a whole.
	Timeout time.Duration

	// Payload, if set, is uploaded instead of the downloaded data.
	Payload *payload.Payload

	// MaxCollectedBytes caps the downloaded data kept for the upload.
	MaxCollectedBytes int64
}

// New returns a TestConfiguration with the given URLs and default values
// for everything else.
func New(downloadURL, uploadURL string) TestConfiguration {
	return TestConfiguration{
		DownloadURL:       downloadURL,
		UploadURL:         uploadURL,
		Timeout:           spec.DefaultTimeout,
		MaxCollectedBytes: spec.DefaultMaxCollectedBytes,
	}
}

// NewDefault returns a TestConfiguration using the default endpoints.
func NewDefault() TestConfiguration {
	return New(spec.DefaultDownloadURL, spec.DefaultUploadURL)
}

// FromProvider takes a snapshot of p.
func FromProvider(p Provider) TestConfiguration {
	c := New(p.DownloadURL(), p.UploadURL())
	c.SkipDownload = p.SkipDownload()
	c.SkipUpload = p.SkipUpload()
	return c.WithDefaults()
}

// WithDefaults returns a copy of c where unset fields have default values.
func (c TestConfiguration) WithDefaults() TestConfiguration {
	if c.DownloadURL == "" {
		c.DownloadURL = spec.DefaultDownloadURL
	}
	if c.UploadURL == "" {
		c.UploadURL = spec.DefaultUploadURL
	}
	if c.Timeout <= 0 {
		c.Timeout = spec.DefaultTimeout
	}
	if c.MaxCollectedBytes <= 0 {
		c.MaxCollectedBytes = spec.DefaultMaxCollectedBytes
	}
	return c
}

// URL returns the parsed URL for the given subtest.
func (c TestConfiguration) URL(kind spec.SubtestKind) (*url.URL, error) {
	raw := c.DownloadURL
	if kind == spec.SubtestUpload {
		raw = c.UploadURL
	}
	return ParseURL(raw)
}

// ParseURL parses raw and checks it is an absolute http(s) URL.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// Static is a Provider returning fixed values.
type Static struct {
	Download   string
	Upload     string
	NoDownload bool
	NoUpload   bool
}

func (s Static) DownloadURL() string { return s.Download }
func (s Static) UploadURL() string   { return s.Upload }
func (s Static) SkipDownload() bool  { return s.NoDownload }
func (s Static) SkipUpload() bool    { return s.NoUpload }
