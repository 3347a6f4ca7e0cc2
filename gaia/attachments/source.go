package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// Source fetches attachment bytes.
type Source interface {
	Fetch(ctx context.Context, taskID, fileName string) ([]byte, error)
	// Location identifies the file; it doubles as the cache key.
	Location(taskID, fileName string) string
	// Public reports whether Location can be handed to the model as-is.
	Public() bool
}

// ScoringSource downloads files from the scoring service by task id.
type ScoringSource struct {
	client *scoring.Client
}

func NewScoringSource(client *scoring.Client) *ScoringSource {
	return &ScoringSource{client: client}
}

func (s *ScoringSource) Fetch(ctx context.Context, taskID, _ string) ([]byte, error) {
	return s.client.File(ctx, taskID)
}

func (s *ScoringSource) Location(taskID, _ string) string { return s.client.FileURL(taskID) }

func (s *ScoringSource) Public() bool { return true }

// DatasetSource downloads files by name from the dataset host with a bearer token.
type DatasetSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewDatasetSource builds a dataset source. A nil client gets a 60s timeout.
func NewDatasetSource(baseURL, token string, client *http.Client) *DatasetSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &DatasetSource{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (s *DatasetSource) Location(_, fileName string) string {
	return s.baseURL + "/" + url.PathEscape(fileName)
}

func (s *DatasetSource) Public() bool { return false }

func (s *DatasetSource) Fetch(ctx context.Context, taskID, fileName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Location(taskID, fileName), nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataset file %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &scoring.StatusError{Op: "dataset file", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dataset file %s: read body: %w", fileName, err)
	}
	return data, nil
}

// NewSource selects the source named by cfg.Attachments.Source.
func NewSource(cfg *config.Config, client *scoring.Client) (Source, error) {
	switch cfg.Attachments.Source {
	case "scoring":
		return NewScoringSource(client), nil
	case "dataset":
		return NewDatasetSource(cfg.Dataset.BaseURL, cfg.Dataset.Token, nil), nil
	default:
		return nil, fmt.Errorf("unknown attachment source %q", cfg.Attachments.Source)
	}
}
