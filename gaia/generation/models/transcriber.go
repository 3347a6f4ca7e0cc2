package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// OpenAITranscriber implements ports.Transcriber over audio/transcriptions.
type OpenAITranscriber struct {
	cfg    *ClientConfig
	client *http.Client
}

func NewOpenAITranscriber(cfg *ClientConfig, client *http.Client) (*OpenAITranscriber, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid transcriber config: %w", err)
	}
	if cfg.TranscriptionModel == "" {
		return nil, fmt.Errorf("invalid transcriber config: transcription model cannot be empty")
	}
	return &OpenAITranscriber{cfg: cfg, client: newHTTPClient(cfg, client)}, nil
}

// Transcribe uploads audio as multipart form data and returns the text.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, fileName string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe %s: empty audio", fileName)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", t.cfg.TranscriptionModel); err != nil {
		return "", err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(fileName))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.endpoint("/audio/transcriptions"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	t.cfg.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apiError("transcription", resp.StatusCode, data)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return out.Text, nil
}

// Ensure OpenAITranscriber implements the Transcriber interface.
var _ ports.Transcriber = (*OpenAITranscriber)(nil)
