// Package report summarises a run for the operator.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/answering"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

// Summary aggregates outcomes of one run.
type Summary struct {
	Total     int
	ByStatus  map[answering.Status]int
	Accepted  int
	Answered  int // single mode
	Exhausted []string
	Skipped   map[string]string // task id -> reason

	// Attempts needed by accepted questions
	MeanAttempts   float64
	StdDevAttempts float64

	MeanDuration time.Duration
	Bulk         *scoring.Summary
}

// AcceptedRatio is accepted over attempted (not skipped) questions.
func (s Summary) AcceptedRatio() float64 {
	attempted := s.Total - len(s.Skipped)
	if attempted <= 0 {
		return 0
	}
	return float64(s.Accepted) / float64(attempted)
}

// Summarize aggregates outcomes.
func Summarize(outcomes []answering.Outcome) Summary {
	s := Summary{
		Total:    len(outcomes),
		ByStatus: make(map[answering.Status]int),
		Skipped:  make(map[string]string),
	}

	var attempts, durations []float64
	for _, o := range outcomes {
		s.ByStatus[o.Status]++
		durations = append(durations, o.Duration.Seconds())
		switch o.Status {
		case answering.StatusAccepted:
			s.Accepted++
			attempts = append(attempts, float64(o.Attempts))
		case answering.StatusAnswered:
			s.Answered++
		case answering.StatusExhausted:
			s.Exhausted = append(s.Exhausted, o.TaskID)
		case answering.StatusSkipped:
			s.Skipped[o.TaskID] = o.SkipReason
		}
	}

	if len(attempts) > 0 {
		s.MeanAttempts, s.StdDevAttempts = stat.MeanStdDev(attempts, nil)
		if math.IsNaN(s.StdDevAttempts) {
			s.StdDevAttempts = 0
		}
	}
	if len(durations) > 0 {
		s.MeanDuration = time.Duration(stat.Mean(durations, nil) * float64(time.Second))
	}
	return s
}

// Render writes an aligned table of the summary.
func (s Summary) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "questions\t%d\n", s.Total)
	for _, st := range []answering.Status{answering.StatusAccepted, answering.StatusAnswered, answering.StatusExhausted, answering.StatusSkipped} {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(tw, "%s\t%d\n", st, n)
		}
	}
	if s.Accepted > 0 || len(s.Exhausted) > 0 {
		fmt.Fprintf(tw, "accepted ratio\t%.1f%%\n", 100*s.AcceptedRatio())
		fmt.Fprintf(tw, "attempts per accepted\t%.2f ± %.2f\n", s.MeanAttempts, s.StdDevAttempts)
	}
	if s.MeanDuration > 0 {
		fmt.Fprintf(tw, "mean time per question\t%s\n", s.MeanDuration.Round(time.Millisecond))
	}
	if len(s.Exhausted) > 0 {
		fmt.Fprintf(tw, "exhausted\t%s\n", strings.Join(s.Exhausted, ", "))
	}
	if len(s.Skipped) > 0 {
		ids := make([]string, 0, len(s.Skipped))
		for id := range s.Skipped {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(tw, "skipped %s\t%s\n", id, s.Skipped[id])
		}
	}
	if s.Bulk != nil {
		fmt.Fprintf(tw, "submission score\t%.1f%% (%d/%d)\n", s.Bulk.Score, s.Bulk.CorrectCount, s.Bulk.TotalAttempted)
		if s.Bulk.Message != "" {
			fmt.Fprintf(tw, "submission message\t%s\n", s.Bulk.Message)
		}
	}
	return tw.Flush()
}
