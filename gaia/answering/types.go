// Package answering drives the per-question retry-and-feedback loop.
package answering

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/attachments"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// Agent produces a reply and the updated conversation. The returned
// conversation replaces the one passed in.
type Agent interface {
	Run(ctx context.Context, conv *harness.Conversation) (harness.Reply, *harness.Conversation, error)
}

// Scorer scores a single answer.
type Scorer interface {
	SubmitOne(ctx context.Context, a scoring.Answer) (scoring.Attempt, error)
}

// Resolver turns a question's file into a fragment of the first turn.
type Resolver interface {
	Resolve(ctx context.Context, taskID, fileName string) (attachments.Fragment, error)
}

// Mode selects how answers are judged.
type Mode string

const (
	// ModeFeedback scores every attempt and retries rejected answers.
	ModeFeedback Mode = "feedback"
	// ModeSingle makes one attempt per question and defers scoring to the bulk submission.
	ModeSingle Mode = "single"
)

// State is a question's position in the loop.
type State string

const (
	StatePending   State = "PENDING"
	StateAnswering State = "ANSWERING"
	StateSubmitted State = "SUBMITTED"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateExhausted State = "EXHAUSTED"
	StateSkipped   State = "SKIPPED"
)

// Status is the terminal result recorded for a question.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusExhausted Status = "exhausted"
	StatusSkipped   Status = "skipped"
	StatusAnswered  Status = "answered" // single mode: produced but not scored
)

// Outcome records what happened to one question.
type Outcome struct {
	TaskID     string
	Status     Status
	Attempts   int
	Answer     string   // accepted (or, in single mode, produced) answer
	Rejected   []string // answers the scorer rejected, in order
	SkipReason string
	Duration   time.Duration
}

// Result is the product of a run.
type Result struct {
	Accepted []scoring.Answer
	Outcomes []Outcome
}

// AttemptEvent describes one finished attempt.
type AttemptEvent struct {
	TaskID       string
	Attempt      int
	Answer       string
	State        State // ACCEPTED, REJECTED or SUBMITTED (single mode)
	Score        float64
	AgentLatency time.Duration
}

// Observer is notified of attempts and outcomes. Calls happen on the loop goroutine.
type Observer interface {
	OnAttempt(ctx context.Context, ev AttemptEvent)
	OnOutcome(ctx context.Context, o Outcome)
}

// Config controls the loop.
type Config struct {
	Mode              Mode
	MaxAttempts       int
	CarryConversation bool
	Limit             int      // 0 means every question
	TaskIDs           []string // empty means every question
}

// ConfigFrom maps the run section of the app config.
func ConfigFrom(rc config.RunConfig) Config {
	return Config{
		Mode:              Mode(rc.Mode),
		MaxAttempts:       rc.MaxAttempts,
		CarryConversation: rc.CarryConversation,
		Limit:             rc.Limit,
		TaskIDs:           append([]string(nil), rc.TaskIDs...),
	}
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeFeedback, ModeSingle:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit cannot be negative, got %d", c.Limit)
	}
	return nil
}
