// Command gaiarun answers GAIA benchmark questions with a tool-using agent and
// retries each question with scorer feedback until it is accepted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/answering"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/attachments"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/adapters"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/tools"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/models"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/logging"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/metrics"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/report"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/scoring"
)

type flags struct {
	configPath  string
	envFile     string
	mode        string
	maxAttempts int
	limit       int
	taskIDs     []string
	random      bool
	noSubmit    bool
	carry       bool
	logLevel    string
}

func parseFlags(args []string) (flags, *pflag.FlagSet, error) {
	var f flags
	fs := pflag.NewFlagSet("gaiarun", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a config file (default: ./config.yaml or ~/.config/gaiarun)")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file exported before the config is read")
	fs.StringVarP(&f.mode, "mode", "m", "", "feedback or single")
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "attempts per question in feedback mode")
	fs.IntVarP(&f.limit, "limit", "n", 0, "answer at most n questions")
	fs.StringSliceVarP(&f.taskIDs, "task", "t", nil, "only answer these task ids (repeatable)")
	fs.BoolVar(&f.random, "random", false, "answer one random question")
	fs.BoolVar(&f.noSubmit, "no-submit", false, "skip the final bulk submission")
	fs.BoolVar(&f.carry, "carry-conversation", false, "carry the conversation across questions")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")
	err := fs.Parse(args)
	return f, fs, err
}

// applyFlags overrides config values with the flags that were set.
func applyFlags(cfg *config.Config, f flags, fs *pflag.FlagSet) error {
	if fs.Changed("mode") {
		cfg.Run.Mode = f.mode
	}
	if fs.Changed("max-attempts") {
		cfg.Run.MaxAttempts = f.maxAttempts
	}
	if fs.Changed("limit") {
		cfg.Run.Limit = f.limit
	}
	if fs.Changed("task") {
		cfg.Run.TaskIDs = f.taskIDs
	}
	if fs.Changed("carry-conversation") {
		cfg.Run.CarryConversation = f.carry
	}
	if f.noSubmit {
		cfg.Run.SubmitAll = false
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg.Validate()
}

func main() {
	f, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := config.LoadDotEnv(f.envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, f, fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error().Err(err).Msg("run failed")
		closer.Close()
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, logger zerolog.Logger) error {
	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	var observers []answering.Observer
	if cfg.Metrics.Enabled {
		m := metrics.New()
		if err := m.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		observers = append(observers, m)
	}

	client := scoring.NewClientFromConfig(cfg.Scoring)

	clientCfg := models.ClientConfigFrom(cfg.Provider)
	provider, err := models.NewOpenAIProvider(clientCfg, nil)
	if err != nil {
		return err
	}
	transcriber, err := models.NewOpenAITranscriber(clientCfg, nil)
	if err != nil {
		return err
	}

	toolset, err := tools.Build(cfg.Agent.Tools, nil)
	if err != nil {
		return err
	}

	factory := harness.NewFactory(&cfg.Harness, logger)
	orch, err := factory.CreateOrchestrator(provider, toolset,
		harness.WithMaxTokens(cfg.Provider.MaxTokens),
		harness.WithCacheTTL(cfg.Harness.CacheTTLSeconds),
		harness.WithToolConcurrency(cfg.Harness.ToolConcurrency),
		harness.WithToolTimeout(cfg.Harness.ToolTimeout),
	)
	if err != nil {
		return err
	}
	agent := harness.NewAgent(factory.ClampSpec(harness.SpecFromConfig(cfg.Agent)), orch)

	source, err := attachments.NewSource(cfg, client)
	if err != nil {
		return err
	}
	resolver := attachments.NewResolver(source, transcriber,
		adapters.NewLRUCache(cfg.Attachments.CacheCapacity), cfg.Attachments,
		attachments.WithLogger(logger),
	)

	loopOpts := []answering.Option{
		answering.WithLogger(logger),
		answering.WithObserver(observers...),
	}
	if cfg.Harness.EnableTracing {
		loopOpts = append(loopOpts, answering.WithTracer(factory.Tracer()))
	}
	loop, err := answering.NewLoop(agent, client, resolver, answering.ConfigFrom(cfg.Run), loopOpts...)
	if err != nil {
		return err
	}

	var questions []scoring.Question
	if f.random {
		q, err := client.RandomQuestion(ctx)
		if err != nil {
			return err
		}
		questions = []scoring.Question{q}
	} else {
		questions, err = client.Questions(ctx)
		if err != nil {
			return err
		}
	}

	result, runErr := loop.Run(ctx, questions)

	summary := report.Summarize(result.Outcomes)
	if runErr == nil && cfg.Run.SubmitAll {
		bulk, err := client.SubmitAll(ctx, result.Accepted)
		if err != nil {
			return fmt.Errorf("bulk submission: %w", err)
		}
		logger.Info().Float64("score", bulk.Score).Int("correct", bulk.CorrectCount).Int("attempted", bulk.TotalAttempted).Msg("submitted")
		summary.Bulk = &bulk
	}
	if err := summary.Render(os.Stdout); err != nil {
		logger.Warn().Err(err).Msg("render report")
	}
	return runErr
}
