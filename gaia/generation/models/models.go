// Package models provides the OpenAI-compatible backends behind the harness
// Provider and Transcriber ports.
package models

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
)

// APIError is returned for non-2xx responses from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
}

// ClientConfig holds connection settings shared by the provider and transcriber.
type ClientConfig struct {
	BaseURL            string
	APIKey             string
	TranscriptionModel string
	Timeout            time.Duration
	Headers            map[string]string
}

// DefaultClientConfig returns a config pointing at api.openai.com.
func DefaultClientConfig(apiKey string) *ClientConfig {
	return &ClientConfig{
		BaseURL:            "https://api.openai.com/v1",
		APIKey:             apiKey,
		TranscriptionModel: "whisper-1",
		Timeout:            120 * time.Second,
	}
}

// ClientConfigFrom maps the provider section of the app config.
func ClientConfigFrom(cfg config.ProviderConfig) *ClientConfig {
	return &ClientConfig{
		BaseURL:            cfg.BaseURL,
		APIKey:             cfg.APIKey,
		TranscriptionModel: cfg.TranscriptionModel,
		Timeout:            cfg.Timeout,
		Headers:            cfg.Headers,
	}
}

// ValidateConfig validates the client configuration.
func ValidateConfig(cfg *ClientConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("base url cannot be empty")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("api key cannot be empty (set OPENAI_API_KEY)")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", cfg.Timeout)
	}
	return nil
}

func (c *ClientConfig) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *ClientConfig) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
}

func newHTTPClient(cfg *ClientConfig, client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: cfg.Timeout}
}
