// Package settings stores the user's test settings in a YAML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/robertodauria/httpspeed/client/config"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Theme is the display theme. It has no meaning for the measurement itself.
type Theme int

const (
	ThemeSystem Theme = iota
	ThemeLight
	ThemeDark
)

// Values are the persisted settings. Environment variables override the
// values read from the file.
type Values struct {
	DownloadURL  string `yaml:"download_url,omitempty" env:"HTTPSPEED_DOWNLOAD_URL"`
	UploadURL    string `yaml:"upload_url,omitempty" env:"HTTPSPEED_UPLOAD_URL"`
	SkipDownload bool   `yaml:"skip_download" env:"HTTPSPEED_SKIP_DOWNLOAD"`
	SkipUpload   bool   `yaml:"skip_upload" env:"HTTPSPEED_SKIP_UPLOAD"`
	Theme        Theme  `yaml:"theme" env:"HTTPSPEED_THEME"`
}

// Store is a concurrency-safe settings store. It implements config.Provider.
type Store struct {
	path string

	mu sync.RWMutex
	// file holds what is persisted: the file contents plus setter changes.
	// values also carries the environment overrides.
	file   Values
	values Values
}

var _ config.Provider = (*Store)(nil)

// Load reads the settings file at path. A missing file yields empty
// settings, which means default endpoints and both subtests enabled.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		zap.L().Sugar().Debugw("Settings file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("cannot read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s.file); err != nil {
			return nil, fmt.Errorf("cannot parse settings %s: %w", path, err)
		}
	}
	s.values = s.file
	if err := env.Parse(&s.values); err != nil {
		return nil, fmt.Errorf("cannot parse settings from environment: %w", err)
	}
	return s, nil
}

// Save writes the settings to the file the store was loaded from.
// Environment overrides are not persisted.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.file)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Values returns a copy of the current settings.
func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// DownloadURL returns the configured download URL or the default one.
func (s *Store) DownloadURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values.DownloadURL == "" {
		return spec.DefaultDownloadURL
	}
	return s.values.DownloadURL
}

// UploadURL returns the configured upload URL or the default one.
func (s *Store) UploadURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.values.UploadURL == "" {
		return spec.DefaultUploadURL
	}
	return s.values.UploadURL
}

func (s *Store) SkipDownload() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.SkipDownload
}

func (s *Store) SkipUpload() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.SkipUpload
}

func (s *Store) Theme() Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Theme
}

// SetDownloadURL validates and stores u.
func (s *Store) SetDownloadURL(u string) error {
	if _, err := config.ParseURL(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.DownloadURL = u
	s.file.DownloadURL = u
	return nil
}

// SetUploadURL validates and stores u.
func (s *Store) SetUploadURL(u string) error {
	if _, err := config.ParseURL(u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.UploadURL = u
	s.file.UploadURL = u
	return nil
}

func (s *Store) SetSkipDownload(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.SkipDownload = skip
	s.file.SkipDownload = skip
}

func (s *Store) SetSkipUpload(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.SkipUpload = skip
	s.file.SkipUpload = skip
}

func (s *Store) SetTheme(t Theme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.Theme = t
	s.file.Theme = t
}
