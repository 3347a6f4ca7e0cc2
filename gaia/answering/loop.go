package answering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/attachments"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness"
	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// Loop answers questions one at a time and owns the accepted set.
type Loop struct {
	agent     Agent
	scorer    Scorer
	resolver  Resolver
	cfg       Config
	logger    zerolog.Logger
	observers []Observer
	tracer    ports.Tracer

	accepted []scoring.Answer
	seen     map[string]bool // task ids present in accepted
}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithObserver registers observers for attempt and outcome events.
func WithObserver(obs ...Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, obs...) }
}

// WithTracer emits a span per question and an event per attempt.
func WithTracer(t ports.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop validates cfg and builds a loop. scorer may be nil in single mode.
func NewLoop(agent Agent, scorer Scorer, resolver Resolver, cfg Config, opts ...Option) (*Loop, error) {
	if agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if scorer == nil && cfg.Mode == ModeFeedback {
		return nil, fmt.Errorf("scorer is required in %s mode", ModeFeedback)
	}
	l := &Loop{
		agent:    agent,
		scorer:   scorer,
		resolver: resolver,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		seen:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.CarryConversation {
		l.logger.Warn().Msg("conversation carry-over is enabled; earlier questions stay in the context of later ones")
	}
	return l, nil
}

// Accepted returns a snapshot of the accepted set.
func (l *Loop) Accepted() []scoring.Answer {
	out := make([]scoring.Answer, len(l.accepted))
	copy(out, l.accepted)
	return out
}

// Run answers the selected questions in order. On a fatal error the partial
// result is returned with the error.
func (l *Loop) Run(ctx context.Context, questions []scoring.Question) (*Result, error) {
	selected := l.Select(questions)
	l.logger.Info().Int("questions", len(questions)).Int("selected", len(selected)).Str("mode", string(l.cfg.Mode)).Msg("starting run")

	res := &Result{}
	var carried *harness.Conversation
	for i, q := range selected {
		if err := ctx.Err(); err != nil {
			res.Accepted = l.Accepted()
			return res, err
		}
		l.logger.Info().Str("task_id", q.TaskID).Int("index", i+1).Int("of", len(selected)).Msg("question")

		var conv *harness.Conversation
		if l.cfg.CarryConversation {
			conv = carried
		}
		outcome, next, err := l.Answer(ctx, q, conv)
		if err != nil {
			res.Accepted = l.Accepted()
			return res, err
		}
		res.Outcomes = append(res.Outcomes, outcome)
		if next != nil {
			carried = next
		}
	}

	res.Accepted = l.Accepted()
	return res, nil
}

// Select applies the task id filter, drops duplicate task ids, and then the limit.
func (l *Loop) Select(questions []scoring.Question) []scoring.Question {
	want := make(map[string]bool, len(l.cfg.TaskIDs))
	for _, id := range l.cfg.TaskIDs {
		want[id] = true
	}
	seen := make(map[string]bool, len(questions))
	out := make([]scoring.Question, 0, len(questions))
	for _, q := range questions {
		if len(want) > 0 && !want[q.TaskID] {
			continue
		}
		if seen[q.TaskID] {
			continue
		}
		seen[q.TaskID] = true
		out = append(out, q)
		if l.cfg.Limit > 0 && len(out) == l.cfg.Limit {
			break
		}
	}
	return out
}

// Answer resolves one question. conv is the conversation to continue (nil
// starts a fresh one) and is not modified; the returned conversation holds
// every turn of this question. Errors from the agent, the scorer or a failed
// attachment download are fatal; unsupported content is a skip.
func (l *Loop) Answer(ctx context.Context, q scoring.Question, conv *harness.Conversation) (out Outcome, _ *harness.Conversation, err error) {
	start := time.Now()
	log := l.logger.With().Str("task_id", q.TaskID).Logger()
	out = Outcome{TaskID: q.TaskID}

	ctx, finish := l.startSpan(ctx, q)
	defer func() {
		out.Duration = time.Since(start)
		finish(err)
		if err == nil {
			l.notifyOutcome(ctx, out)
		}
	}()

	log.Debug().Str("state", string(StatePending)).Bool("attachment", q.HasAttachment()).Msg("question picked up")

	if l.seen[q.TaskID] {
		out.Status, out.SkipReason = StatusSkipped, "already accepted"
		return out, conv, nil
	}

	if reason := attachments.SkipReason(q); reason != "" {
		log.Info().Str("reason", reason).Str("state", string(StateSkipped)).Msg("skipping question")
		out.Status, out.SkipReason = StatusSkipped, reason
		return out, conv, nil
	}

	first, skip, err := l.firstTurn(ctx, q)
	if err != nil {
		return out, conv, err
	}
	if skip != "" {
		log.Info().Str("reason", skip).Str("state", string(StateSkipped)).Msg("skipping question")
		out.Status, out.SkipReason = StatusSkipped, skip
		return out, conv, nil
	}

	if conv == nil {
		conv = harness.NewConversation()
	}
	conv = conv.Clone()
	conv.Append(first)

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, conv, err
		}
		out.Attempts = attempt
		alog := log.With().Int("attempt", attempt).Logger()
		alog.Debug().Str("state", string(StateAnswering)).Int("turns", conv.Len()).Msg("invoking agent")

		agentStart := time.Now()
		reply, next, err := l.agent.Run(ctx, conv)
		latency := time.Since(agentStart)
		if err != nil {
			return out, conv, fmt.Errorf("agent failed on task %s attempt %d: %w", q.TaskID, attempt, err)
		}
		if next == nil {
			return out, conv, fmt.Errorf("agent returned no conversation for task %s", q.TaskID)
		}
		conv = next
		answer := reply.FinalAnswer

		if l.cfg.Mode == ModeSingle {
			l.record(q.TaskID, answer)
			out.Status, out.Answer = StatusAnswered, answer
			alog.Info().Str("answer", answer).Str("state", string(StateSubmitted)).Msg("answer recorded")
			l.notifyAttempt(ctx, AttemptEvent{TaskID: q.TaskID, Attempt: attempt, Answer: answer, State: StateSubmitted, AgentLatency: latency})
			return out, conv, nil
		}

		att, err := l.scorer.SubmitOne(ctx, scoring.Answer{TaskID: q.TaskID, SubmittedAnswer: answer})
		if err != nil {
			return out, conv, fmt.Errorf("scoring task %s attempt %d: %w", q.TaskID, attempt, err)
		}

		if att.Correct {
			conv.Append(ports.PromptMessage{Role: ports.RoleUser, Content: AcknowledgementText(answer)})
			l.record(q.TaskID, answer)
			out.Status, out.Answer = StatusAccepted, answer
			alog.Info().Str("answer", answer).Float64("score", att.Score).Str("state", string(StateAccepted)).Msg("answer accepted")
			l.notifyAttempt(ctx, AttemptEvent{TaskID: q.TaskID, Attempt: attempt, Answer: answer, State: StateAccepted, Score: att.Score, AgentLatency: latency})
			return out, conv, nil
		}

		conv.Append(ports.PromptMessage{Role: ports.RoleUser, Content: CorrectionText(answer)})
		out.Rejected = append(out.Rejected, answer)
		alog.Info().Str("answer", answer).Float64("score", att.Score).Str("state", string(StateRejected)).Msg("answer rejected")
		l.notifyAttempt(ctx, AttemptEvent{TaskID: q.TaskID, Attempt: attempt, Answer: answer, State: StateRejected, Score: att.Score, AgentLatency: latency})
	}

	out.Status = StatusExhausted
	log.Warn().Int("attempts", out.Attempts).Strs("rejected", out.Rejected).Str("state", string(StateExhausted)).Msg("no accepted answer")
	return out, conv, nil
}

// firstTurn builds the initial user turn. A non-empty skip reason means the
// attachment turned out to be unsupported.
func (l *Loop) firstTurn(ctx context.Context, q scoring.Question) (ports.PromptMessage, string, error) {
	if !q.HasAttachment() {
		return ports.PromptMessage{Role: ports.RoleUser, Content: q.Question}, "", nil
	}
	if l.resolver == nil {
		return ports.PromptMessage{}, "no attachment resolver configured", nil
	}
	frag, err := l.resolver.Resolve(ctx, q.TaskID, q.FileName)
	if errors.Is(err, attachments.ErrUnsupported) {
		return ports.PromptMessage{}, err.Error(), nil
	}
	if err != nil {
		return ports.PromptMessage{}, "", fmt.Errorf("attachment for task %s: %w", q.TaskID, err)
	}
	return frag.Message(q.Question), "", nil
}

func (l *Loop) record(taskID, answer string) {
	if l.seen[taskID] {
		return
	}
	l.seen[taskID] = true
	l.accepted = append(l.accepted, scoring.Answer{TaskID: taskID, SubmittedAnswer: answer})
}

func (l *Loop) startSpan(ctx context.Context, q scoring.Question) (context.Context, func(error)) {
	if l.tracer == nil {
		return ctx, func(error) {}
	}
	return l.tracer.StartSpan(ctx, "question", map[string]any{
		"task_id":    q.TaskID,
		"attachment": q.FileName,
		"mode":       string(l.cfg.Mode),
	})
}

func (l *Loop) notifyAttempt(ctx context.Context, ev AttemptEvent) {
	if l.tracer != nil {
		l.tracer.Event(ctx, "attempt", map[string]any{
			"attempt": ev.Attempt,
			"state":   string(ev.State),
			"score":   ev.Score,
		})
	}
	for _, o := range l.observers {
		o.OnAttempt(ctx, ev)
	}
}

func (l *Loop) notifyOutcome(ctx context.Context, out Outcome) {
	for _, o := range l.observers {
		o.OnOutcome(ctx, out)
	}
}

// CorrectionText is the user turn appended after a rejected answer.
func CorrectionText(answer string) string {
	return fmt.Sprintf("Your answer %q is wrong. Do not answer %q again. Reconsider the question and give a different final answer.", answer, answer)
}

// AcknowledgementText closes a question after an accepted answer.
func AcknowledgementText(answer string) string {
	return fmt.Sprintf("Correct, %q is the right answer.", answer)
}
