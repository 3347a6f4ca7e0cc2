// Package gaia holds process-wide defaults shared by the runner packages.
package gaia

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "gaiarun"

	// DefaultScoringURL is the agents-course unit 4 scoring space.
	DefaultScoringURL = "https://agents-course-unit4-scoring.hf.space"
	// DefaultDatasetURL serves GAIA validation attachments by file name.
	DefaultDatasetURL = "https://huggingface.co/datasets/gaia-benchmark/GAIA/resolve/main/2023/validation"
	DefaultProviderURL = "https://api.openai.com/v1"

	DefaultModel              = "gpt-4o"
	DefaultTranscriptionModel = "whisper-1"

	// DefaultMaxAttempts bounds the retry loop for a single question.
	DefaultMaxAttempts = 5
)

var DefaultConfigPath = filepath.Join(userHome(), ".config", DefaultAppName)

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
