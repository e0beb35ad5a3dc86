package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-lab/go/testingx"
	"github.com/robertodauria/httpspeed/client/config"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Missing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.yaml"))
	testingx.Must(t, err, "cannot load settings")

	assert.Equal(t, spec.DefaultDownloadURL, s.DownloadURL())
	assert.Equal(t, spec.DefaultUploadURL, s.UploadURL())
	assert.False(t, s.SkipDownload())
	assert.False(t, s.SkipUpload())
	assert.Equal(t, ThemeSystem, s.Theme())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `download_url: http://localhost:8080/speedtest/download
upload_url: http://localhost:8080/speedtest/upload
skip_upload: true
theme: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/speedtest/download", s.DownloadURL())
	assert.Equal(t, "http://localhost:8080/speedtest/upload", s.UploadURL())
	assert.False(t, s.SkipDownload())
	assert.True(t, s.SkipUpload())
	assert.Equal(t, ThemeDark, s.Theme())

	c := config.FromProvider(s)
	assert.Equal(t, "http://localhost:8080/speedtest/download", c.DownloadURL)
	assert.True(t, c.SkipUpload)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("skip_upload: [not, a, bool]"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("download_url: http://file.example.com/\n"), 0o644))
	t.Setenv("HTTPSPEED_DOWNLOAD_URL", "http://env.example.com/")
	t.Setenv("HTTPSPEED_SKIP_DOWNLOAD", "true")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example.com/", s.DownloadURL())
	assert.True(t, s.SkipDownload())
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.SetDownloadURL("https://d.example.com/file"))
	require.NoError(t, s.SetUploadURL("https://u.example.com/sink"))
	s.SetSkipDownload(true)
	s.SetTheme(ThemeLight)
	require.NoError(t, s.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Values(), loaded.Values())
}

func TestSetURL_Invalid(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetDownloadURL("not a url"), config.ErrInvalidURL)
	assert.ErrorIs(t, s.SetUploadURL("ftp://example.com"), config.ErrInvalidURL)
	assert.Equal(t, spec.DefaultDownloadURL, s.DownloadURL())
}

func TestSave_SkipsEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("download_url: http://file.example.com/\n"), 0o644))
	t.Setenv("HTTPSPEED_DOWNLOAD_URL", "http://env.example.com/")
	t.Setenv("HTTPSPEED_SKIP_UPLOAD", "true")

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.SetUploadURL("http://u.example.com/"))
	require.NoError(t, s.Save())
	assert.Equal(t, "http://env.example.com/", s.DownloadURL())

	os.Unsetenv("HTTPSPEED_DOWNLOAD_URL")
	os.Unsetenv("HTTPSPEED_SKIP_UPLOAD")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://file.example.com/", loaded.DownloadURL())
	assert.Equal(t, "http://u.example.com/", loaded.UploadURL())
	assert.False(t, loaded.SkipUpload())
}
