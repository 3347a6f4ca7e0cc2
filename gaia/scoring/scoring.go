// Package scoring is the HTTP client for the question source and scoring service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
)

// Question is one benchmark task.
type Question struct {
	TaskID   string `json:"task_id"`
	Question string `json:"question"`
	FileName string `json:"file_name,omitempty"`
	Level    Level  `json:"Level,omitempty"`
}

// Level is the GAIA difficulty. The service serves it as a string or a number.
type Level string

func (l *Level) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*l = ""
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	*l = Level(s)
	return nil
}

// HasAttachment reports whether the question references a file.
func (q Question) HasAttachment() bool { return strings.TrimSpace(q.FileName) != "" }

// Answer is a submission for one task.
type Answer struct {
	TaskID          string `json:"task_id"`
	SubmittedAnswer string `json:"submitted_answer"`
}

// Attempt is the scoring service's verdict on a single submitted answer.
type Attempt struct {
	Correct bool
	Score   float64
	Message string
}

// Summary is the response to a bulk submission.
type Summary struct {
	Username       string  `json:"username"`
	Score          float64 `json:"score"`
	CorrectCount   int     `json:"correct_count"`
	TotalAttempted int     `json:"total_attempted"`
	Message        string  `json:"message"`
	Timestamp      string  `json:"timestamp"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

type submission struct {
	Username  string   `json:"username"`
	AgentCode string   `json:"agent_code"`
	Answers   []Answer `json:"answers"`
}

// Client talks to the scoring service. It never retries.
type Client struct {
	baseURL   string
	username  string
	agentCode string
	http      *http.Client
}

// NewClient builds a client. A nil httpClient gets one with timeout.
func NewClient(baseURL, username, agentCode string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		username:  username,
		agentCode: agentCode,
		http:      httpClient,
	}
}

// NewClientFromConfig builds a client from the scoring section.
func NewClientFromConfig(cfg config.ScoringConfig) *Client {
	return NewClient(cfg.BaseURL, cfg.Username, cfg.AgentCode, cfg.Timeout, nil)
}

// Questions lists every task.
func (c *Client) Questions(ctx context.Context) ([]Question, error) {
	var qs []Question
	if err := c.getJSON(ctx, "questions", "/questions", &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// RandomQuestion fetches a single random task.
func (c *Client) RandomQuestion(ctx context.Context) (Question, error) {
	var q Question
	if err := c.getJSON(ctx, "random question", "/random-question", &q); err != nil {
		return Question{}, err
	}
	return q, nil
}

// File downloads the attachment of taskID.
func (c *Client) File(ctx context.Context, taskID string) ([]byte, error) {
	resp, err := c.do(ctx, "file", http.MethodGet, "/files/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("file %s: read body: %w", taskID, err)
	}
	return data, nil
}

// FileURL is the public download location of taskID's attachment.
func (c *Client) FileURL(taskID string) string {
	return c.baseURL + "/files/" + url.PathEscape(taskID)
}

// SubmitOne scores a single answer. Correct is score > 0.
func (c *Client) SubmitOne(ctx context.Context, a Answer) (Attempt, error) {
	s, err := c.submit(ctx, "submit one", []Answer{a})
	if err != nil {
		return Attempt{}, err
	}
	return Attempt{Correct: s.Score > 0, Score: s.Score, Message: s.Message}, nil
}

// SubmitAll sends the final answer set.
func (c *Client) SubmitAll(ctx context.Context, answers []Answer) (Summary, error) {
	if answers == nil {
		answers = []Answer{}
	}
	return c.submit(ctx, "submit all", answers)
}

func (c *Client) submit(ctx context.Context, op string, answers []Answer) (Summary, error) {
	body, err := json.Marshal(submission{Username: c.username, AgentCode: c.agentCode, Answers: answers})
	if err != nil {
		return Summary{}, fmt.Errorf("%s: encode: %w", op, err)
	}

	resp, err := c.do(ctx, op, http.MethodPost, "/submit", body)
	if err != nil {
		return Summary{}, err
	}
	defer resp.Body.Close()

	var s Summary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Summary{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return s, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// do performs the request and turns non-2xx responses into *StatusError.
// On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
