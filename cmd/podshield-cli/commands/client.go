package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/podshield/internal/httputil"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// ClientConfig is the CLI profile.
type ClientConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Token           string        `yaml:"token"`
	WatermarkSecret string        `yaml:"watermark_secret"`
	Timeout         time.Duration `yaml:"timeout"`
	SkipVerify      bool          `yaml:"skip_verify"`
}

// DefaultConfig returns the default profile.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint: "http://localhost:8080",
		Timeout:  60 * time.Second,
	}
}

// profilePath is overridden in tests.
var profilePath = func() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".podshield", "cli.yaml")
}

// LoadConfig loads the profile, then applies environment overrides.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(profilePath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if v := os.Getenv("PODSHIELD_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}

	if v := os.Getenv("PODSHIELD_TOKEN"); v != "" {
		cfg.Token = v
	}

	if v := os.Getenv("PODSHIELD_WATERMARK_SECRET"); v != "" {
		cfg.WatermarkSecret = v
	}

	return cfg, nil
}

// SaveConfig writes the profile.
func SaveConfig(cfg *ClientConfig) error {
	path := profilePath()

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// apiClient calls the PodShield REST API.
type apiClient struct {
	http     *http.Client
	endpoint string
	token    string
}

func newAPIClient() (*apiClient, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		return nil, errors.New("token not configured. Use 'podshield-cli config set token <token>' or set PODSHIELD_TOKEN")
	}

	hc := httputil.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.SkipTLSVerify = cfg.SkipVerify

	return &apiClient{
		http:     httputil.NewClient(hc),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
	}, nil
}

func (c *apiClient) url(path string) string {
	return c.endpoint + "/api/v1" + path
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	return httputil.DoJSON(ctx, c.http, method, c.url(path), c.token, in, out)
}

// postBinary uploads a raw body and returns the response body.
func (c *apiClient) postBinary(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s", &httputil.StatusError{URL: c.url(path), StatusCode: resp.StatusCode},
			strings.TrimSpace(string(data)))
	}

	return data, nil
}

// readInput reads a file, or stdin when name is "-".
func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	return data, nil
}
