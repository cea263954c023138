package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/watermark"
)

func withProfile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cli.yaml")
	prev := profilePath
	profilePath = func() string { return path }

	t.Cleanup(func() { profilePath = prev })

	t.Setenv("PODSHIELD_ENDPOINT", "")
	t.Setenv("PODSHIELD_TOKEN", "")
	t.Setenv("PODSHIELD_WATERMARK_SECRET", "")

	color.NoColor = true

	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestSetValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*ClientConfig) bool
		wantErr bool
	}{
		{"endpoint", "https://shield.example.com", func(c *ClientConfig) bool { return c.Endpoint == "https://shield.example.com" }, false},
		{"token", "abc", func(c *ClientConfig) bool { return c.Token == "abc" }, false},
		{"watermark-secret", "s3cret", func(c *ClientConfig) bool { return c.WatermarkSecret == "s3cret" }, false},
		{"timeout", "15s", func(c *ClientConfig) bool { return c.Timeout == 15*time.Second }, false},
		{"skip-verify", "yes", func(c *ClientConfig) bool { return c.SkipVerify }, false},
		{"timeout", "soon", nil, true},
		{"colour", "blue", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := DefaultConfig()

			err := setValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.True(t, tt.check(cfg))
		})
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "https://x", maskSecret("endpoint", "https://x"))
	assert.Equal(t, "****", maskSecret("token", "short"))
	assert.Equal(t, "eyJh****sig0", maskSecret("token", "eyJhbGciOiJIUzI1NiJ9.body.sig0"))
	assert.Equal(t, "abcd****wxyz", maskSecret("watermark-secret", "abcdefghijklmnopqrstuvwxyz"))
}

func TestProfileRoundTrip(t *testing.T) {
	path := withProfile(t)

	out, err := run(t, NewConfigCmd(), "set", "token", "operator-token-123456")
	require.NoError(t, err)
	assert.Contains(t, out, "oper****3456")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePermissions), info.Mode().Perm())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "operator-token-123456", cfg.Token)
	assert.Equal(t, "http://localhost:8080", cfg.Endpoint)

	t.Setenv("PODSHIELD_ENDPOINT", "https://override.example.com")

	out, err = run(t, NewConfigCmd(), "get", "endpoint")
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com\n", out)
}

func TestCommandsRequireToken(t *testing.T) {
	withProfile(t)

	_, err := run(t, NewForensicsCmd(), "scan-url", "https://paste.example.com/x.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token not configured")
}

func TestParseURLList(t *testing.T) {
	data := []byte("# leaked assets\nhttps://a.example.com/1.png\n\n  https://b.example.com/2.png  \n")

	assert.Equal(t, []string{"https://a.example.com/1.png", "https://b.example.com/2.png"}, parseURLList(data))
}

func TestPrintResults(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer

	require.NoError(t, printResults(&out,
		[]byte(`{"url":"https://x.example.com/a.png","detected":true,"confidence":0.92,"sessionId":"sess-1","userId":"u-7"}`)))
	assert.Contains(t, out.String(), "watermark detected")
	assert.Contains(t, out.String(), "sess-1")
	assert.Contains(t, out.String(), "92.0%")

	out.Reset()
	require.NoError(t, printResults(&out, []byte(`{"detected":false,"confidence":0}`)))
	assert.Contains(t, out.String(), "upload: no watermark")

	assert.Error(t, printResults(&out, []byte("not json")))
}

func TestScanContentCommand(t *testing.T) {
	withProfile(t)

	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("customer SSN: 123-45-6789"), 0o600))

	out, err := run(t, NewScanCmd(), "content", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Sensitive data found")
	assert.Contains(t, out, "us_ssn")

	require.NoError(t, os.WriteFile(file, []byte("nothing to see here"), 0o600))

	out, err = run(t, NewScanCmd(), "content", file)
	require.NoError(t, err)
	assert.Contains(t, out, "No sensitive data found")
}

func TestPatternsListCommand(t *testing.T) {
	withProfile(t)

	out, err := run(t, NewPatternsCmd(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "credit_card")

	out, err = run(t, NewPatternsCmd(), "list", "--malware")
	require.NoError(t, err)
	assert.Contains(t, out, "THREAT")
}

func TestWatermarkLocalRoundTrip(t *testing.T) {
	withProfile(t)
	t.Setenv("PODSHIELD_WATERMARK_SECRET", "0123456789abcdef0123456789abcdef")

	dir := t.TempDir()
	src := filepath.Join(dir, "screen.png")
	dst := filepath.Join(dir, "marked.png")
	require.NoError(t, os.WriteFile(src, testutil.EncodePNG(testutil.NewTexturedImage(416, 256)), 0o600))

	out, err := run(t, NewWatermarkCmd(), "embed", src, "--local", "--session", "sess-42", "--tenant", "tenant-1", "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, dst)

	out, err = run(t, NewWatermarkCmd(), "detect", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Watermark detected")

	want := watermark.NewPayload("tenant-1", "sess-42", time.Now())
	assert.Contains(t, out, want.SessionRef())

	out, err = run(t, NewWatermarkCmd(), "detect", src)
	require.NoError(t, err)
	assert.Contains(t, out, "No watermark detected")
}

func TestWatermarkLocalNeedsSecret(t *testing.T) {
	withProfile(t)

	_, err := run(t, NewWatermarkCmd(), "detect", "missing.png")
	require.Error(t, err)

	_, err = run(t, NewWatermarkCmd(), "embed", "x.png", "--local", "--session", "s")
	require.Error(t, err)
}
