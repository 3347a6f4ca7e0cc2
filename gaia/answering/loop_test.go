package answering

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/attachments"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness"
	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// StubAgent answers from a script and appends one assistant turn per call,
// the way the harness does.
type StubAgent struct {
	answers []string
	err     error
	calls   int
	seen    []int // conversation length at each call
}

func (a *StubAgent) Run(ctx context.Context, conv *harness.Conversation) (harness.Reply, *harness.Conversation, error) {
	a.seen = append(a.seen, conv.Len())
	if a.err != nil {
		return harness.Reply{}, nil, a.err
	}
	answer := a.answers[min(a.calls, len(a.answers)-1)]
	a.calls++
	next := conv.Clone()
	next.Append(ports.PromptMessage{Role: ports.RoleAssistant, Content: fmt.Sprintf(`{"final_answer": %q}`, answer)})
	return harness.Reply{FinalAnswer: answer}, next, nil
}

// StubScorer returns scores in order and records submissions.
type StubScorer struct {
	scores    []float64
	err       error
	submitted []scoring.Answer
}

func (s *StubScorer) SubmitOne(ctx context.Context, a scoring.Answer) (scoring.Attempt, error) {
	if s.err != nil {
		return scoring.Attempt{}, s.err
	}
	score := s.scores[min(len(s.submitted), len(s.scores)-1)]
	s.submitted = append(s.submitted, a)
	return scoring.Attempt{Correct: score > 0, Score: score}, nil
}

// StubResolver resolves every supported file to a text fragment.
type StubResolver struct {
	err   error
	calls int
}

func (r *StubResolver) Resolve(ctx context.Context, taskID, fileName string) (attachments.Fragment, error) {
	r.calls++
	if r.err != nil {
		return attachments.Fragment{}, r.err
	}
	return attachments.Fragment{Kind: attachments.KindCode, FileName: fileName, Text: "file body"}, nil
}

// recordingObserver captures events.
type recordingObserver struct {
	attempts []AttemptEvent
	outcomes []Outcome
}

func (o *recordingObserver) OnAttempt(ctx context.Context, ev AttemptEvent) {
	o.attempts = append(o.attempts, ev)
}
func (o *recordingObserver) OnOutcome(ctx context.Context, out Outcome) { o.outcomes = append(o.outcomes, out) }

func feedbackCfg() Config { return Config{Mode: ModeFeedback, MaxAttempts: 5} }

func newLoop(t *testing.T, agent Agent, scorer Scorer, resolver Resolver, cfg Config, opts ...Option) *Loop {
	t.Helper()
	l, err := NewLoop(agent, scorer, resolver, cfg, opts...)
	require.NoError(t, err)
	return l
}

func TestNewLoop_Validation(t *testing.T) {
	_, err := NewLoop(nil, &StubScorer{}, nil, feedbackCfg())
	assert.Error(t, err)

	_, err = NewLoop(&StubAgent{}, nil, nil, feedbackCfg())
	assert.Error(t, err, "feedback mode needs a scorer")

	_, err = NewLoop(&StubAgent{}, nil, nil, Config{Mode: ModeSingle, MaxAttempts: 1})
	assert.NoError(t, err)

	_, err = NewLoop(&StubAgent{}, &StubScorer{}, nil, Config{Mode: "parallel", MaxAttempts: 1})
	assert.Error(t, err)

	_, err = NewLoop(&StubAgent{}, &StubScorer{}, nil, Config{Mode: ModeFeedback, MaxAttempts: 0})
	assert.Error(t, err)
}

func TestRun_AcceptedOnFirstAttempt(t *testing.T) {
	agent := &StubAgent{answers: []string{"4"}}
	scorer := &StubScorer{scores: []float64{1}}
	l := newLoop(t, agent, scorer, nil, feedbackCfg())

	res, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "2+2?"}})

	require.NoError(t, err)
	assert.Equal(t, []scoring.Answer{{TaskID: "1", SubmittedAnswer: "4"}}, res.Accepted)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusAccepted, res.Outcomes[0].Status)
	assert.Equal(t, 1, res.Outcomes[0].Attempts)
	assert.Equal(t, 1, agent.calls)
}

func TestRun_RetryAfterRejection(t *testing.T) {
	agent := &StubAgent{answers: []string{"5", "4"}}
	scorer := &StubScorer{scores: []float64{0, 1}}
	l := newLoop(t, agent, scorer, nil, feedbackCfg())

	res, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "2+2?"}})

	require.NoError(t, err)
	assert.Equal(t, []scoring.Answer{{TaskID: "1", SubmittedAnswer: "4"}}, res.Accepted)
	assert.Equal(t, 2, agent.calls)
	assert.Equal(t, []scoring.Answer{{TaskID: "1", SubmittedAnswer: "5"}, {TaskID: "1", SubmittedAnswer: "4"}}, scorer.submitted)
	assert.Equal(t, []string{"5"}, res.Outcomes[0].Rejected)
	assert.Equal(t, 2, res.Outcomes[0].Attempts)
}

func TestAnswer_AcceptedOnAttemptK(t *testing.T) {
	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("attempt_%d", k), func(t *testing.T) {
			answers := make([]string, k)
			scores := make([]float64, k)
			for i := range answers {
				answers[i] = fmt.Sprintf("a%d", i+1)
			}
			scores[k-1] = 1
			agent := &StubAgent{answers: answers}
			l := newLoop(t, agent, &StubScorer{scores: scores}, nil, feedbackCfg())

			out, conv, err := l.Answer(context.Background(), scoring.Question{TaskID: "t", Question: "q"}, nil)

			require.NoError(t, err)
			assert.Equal(t, StatusAccepted, out.Status)
			assert.Equal(t, k, agent.calls, "no further attempts after acceptance")
			assert.Equal(t, []scoring.Answer{{TaskID: "t", SubmittedAnswer: answers[k-1]}}, l.Accepted())
			// first turn + 2 per rejected attempt + assistant + acknowledgement
			assert.Equal(t, 1+2*(k-1)+2, conv.Len())
		})
	}
}

func TestAnswer_LogsStateTransitions(t *testing.T) {
	var buf bytes.Buffer
	agent := &StubAgent{answers: []string{"5", "4"}}
	scorer := &StubScorer{scores: []float64{0, 1}}
	l := newLoop(t, agent, scorer, nil, feedbackCfg(), WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

	_, _, err := l.Answer(context.Background(), scoring.Question{TaskID: "1", Question: "2+2?"}, nil)
	require.NoError(t, err)

	out := buf.String()
	last := -1
	for _, state := range []State{StatePending, StateAnswering, StateRejected, StateAccepted} {
		idx := bytes.Index([]byte(out), []byte(`"state":"`+string(state)+`"`))
		require.GreaterOrEqual(t, idx, 0, "missing state %s", state)
		assert.Greater(t, idx, last, "state %s out of order", state)
		last = idx
	}
}

func TestAnswer_TurnCountGrowsByTwoPerRejection(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{0}}, nil, feedbackCfg())

	_, conv, err := l.Answer(context.Background(), scoring.Question{TaskID: "t", Question: "q"}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, agent.seen)
	assert.Equal(t, 11, conv.Len())

	last := conv.Messages[conv.Len()-1]
	assert.Equal(t, ports.RoleUser, last.Role)
	assert.Contains(t, last.Content, `"x"`, "corrective turn names the rejected answer")
}

func TestAnswer_Exhausted(t *testing.T) {
	var logs bytes.Buffer
	obs := &recordingObserver{}
	agent := &StubAgent{answers: []string{"a", "b", "c", "d", "e", "f"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{0}}, nil, feedbackCfg(),
		WithLogger(zerolog.New(&logs)), WithObserver(obs))

	out, _, err := l.Answer(context.Background(), scoring.Question{TaskID: "t", Question: "q"}, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, agent.calls)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, out.Rejected)
	assert.Empty(t, l.Accepted())
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Len(t, obs.attempts, 5)
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, StatusExhausted, obs.outcomes[0].Status)
}

func TestRun_UnsupportedAttachmentSkipped(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	resolver := &StubResolver{}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, resolver, feedbackCfg())

	res, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "What happens in the clip?", FileName: "clip.mov"}})

	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Equal(t, StatusSkipped, res.Outcomes[0].Status)
	assert.Contains(t, res.Outcomes[0].SkipReason, "mov")
	assert.Equal(t, 0, agent.calls)
	assert.Equal(t, 0, resolver.calls)
}

func TestRun_VideoLinkSkipped(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, nil, feedbackCfg())

	res, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "In https://www.youtube.com/watch?v=L1vXCYZAYYM how many birds?"}})

	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Outcomes[0].Status)
	assert.Equal(t, 0, agent.calls)
}

func TestAnswer_ResolverUnsupportedIsSkip(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	resolver := &StubResolver{err: fmt.Errorf("%w: odd.py", attachments.ErrUnsupported)}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, resolver, feedbackCfg())

	out, _, err := l.Answer(context.Background(), scoring.Question{TaskID: "1", Question: "q", FileName: "odd.py"}, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, 0, agent.calls)
}

func TestAnswer_AttachmentAddedToFirstTurn(t *testing.T) {
	agent := &StubAgent{answers: []string{"42"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, &StubResolver{}, feedbackCfg())

	_, conv, err := l.Answer(context.Background(), scoring.Question{TaskID: "1", Question: "What does it print?", FileName: "main.py"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "What does it print?\n\nfile body", conv.Messages[0].Content)
}

func TestAnswer_AttachmentFetchErrorIsFatal(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, &StubResolver{err: errors.New("connection reset")}, feedbackCfg())

	_, _, err := l.Answer(context.Background(), scoring.Question{TaskID: "1", Question: "q", FileName: "main.py"}, nil)

	require.Error(t, err)
	assert.Equal(t, 0, agent.calls)
}

func TestRun_TransportErrorsAreFatal(t *testing.T) {
	questions := []scoring.Question{
		{TaskID: "1", Question: "first"},
		{TaskID: "2", Question: "second"},
	}

	t.Run("agent", func(t *testing.T) {
		l := newLoop(t, &StubAgent{err: errors.New("dial tcp: refused")}, &StubScorer{scores: []float64{1}}, nil, feedbackCfg())
		res, err := l.Run(context.Background(), questions)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refused")
		assert.Empty(t, res.Outcomes)
	})

	t.Run("scorer", func(t *testing.T) {
		scorer := &StubScorer{err: &scoring.StatusError{Op: "submit one", Code: 503}}
		l := newLoop(t, &StubAgent{answers: []string{"x"}}, scorer, nil, feedbackCfg())
		_, err := l.Run(context.Background(), questions)
		var se *scoring.StatusError
		assert.ErrorAs(t, err, &se)
	})
}

func TestRun_SingleMode(t *testing.T) {
	agent := &StubAgent{answers: []string{"4"}}
	obs := &recordingObserver{}
	l := newLoop(t, agent, nil, nil, Config{Mode: ModeSingle, MaxAttempts: 5}, WithObserver(obs))

	res, err := l.Run(context.Background(), []scoring.Question{
		{TaskID: "1", Question: "2+2?"},
		{TaskID: "2", Question: "3+3?"},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, agent.calls)
	assert.Len(t, res.Accepted, 2)
	assert.Equal(t, StatusAnswered, res.Outcomes[0].Status)
	assert.Equal(t, StateSubmitted, obs.attempts[0].State)
}

func TestRun_FreshConversationPerQuestion(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, nil, feedbackCfg())

	_, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "a"}, {TaskID: "2", Question: "b"}})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, agent.seen)
}

func TestRun_CarryConversation(t *testing.T) {
	agent := &StubAgent{answers: []string{"x"}}
	cfg := feedbackCfg()
	cfg.CarryConversation = true
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, nil, cfg)

	_, err := l.Run(context.Background(), []scoring.Question{{TaskID: "1", Question: "a"}, {TaskID: "2", Question: "b"}})

	require.NoError(t, err)
	// second question sees first turn, assistant, acknowledgement, new first turn
	assert.Equal(t, []int{1, 4}, agent.seen)
}

func TestRun_FiltersAndDeduplicates(t *testing.T) {
	questions := []scoring.Question{
		{TaskID: "1", Question: "a"},
		{TaskID: "2", Question: "b"},
		{TaskID: "2", Question: "b again"},
		{TaskID: "3", Question: "c"},
	}

	l := newLoop(t, &StubAgent{answers: []string{"x"}}, &StubScorer{scores: []float64{1}}, nil, Config{Mode: ModeFeedback, MaxAttempts: 1, TaskIDs: []string{"2", "3"}})
	assert.Equal(t, []string{"2", "3"}, taskIDs(l.Select(questions)))

	l = newLoop(t, &StubAgent{answers: []string{"x"}}, &StubScorer{scores: []float64{1}}, nil, Config{Mode: ModeFeedback, MaxAttempts: 1, Limit: 2})
	res, err := l.Run(context.Background(), questions)
	require.NoError(t, err)
	assert.Len(t, res.Outcomes, 2)
	assert.Equal(t, []string{"1", "2"}, taskIDs(l.Select(questions)))
}

func TestAnswer_AlreadyAcceptedIsNotRetried(t *testing.T) {
	agent := &StubAgent{answers: []string{"4"}}
	l := newLoop(t, agent, &StubScorer{scores: []float64{1}}, nil, feedbackCfg())
	q := scoring.Question{TaskID: "1", Question: "2+2?"}

	_, _, err := l.Answer(context.Background(), q, nil)
	require.NoError(t, err)
	out, _, err := l.Answer(context.Background(), q, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, 1, agent.calls)
	assert.Len(t, l.Accepted(), 1)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newLoop(t, &StubAgent{answers: []string{"x"}}, &StubScorer{scores: []float64{1}}, nil, feedbackCfg())

	_, err := l.Run(ctx, []scoring.Question{{TaskID: "1", Question: "a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorrectionText(t *testing.T) {
	assert.Contains(t, CorrectionText("Paris"), `"Paris"`)
	assert.Contains(t, AcknowledgementText("Paris"), `"Paris"`)
}

func taskIDs(qs []scoring.Question) []string {
	ids := make([]string, len(qs))
	for i, q := range qs {
		ids[i] = q.TaskID
	}
	return ids
}
