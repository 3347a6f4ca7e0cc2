package harness

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
)

// DefaultInstructions is the GAIA leaderboard system prompt.
const DefaultInstructions = "You are a general AI assistant. I will ask you a question. Report your reasoning, " +
	"and finish with your final answer. Your final answer should be a number OR as few words as possible " +
	"OR a comma separated list of numbers and/or strings. If you are asked for a number, don't use comma " +
	"to write your number neither use units such as $ or percent sign unless specified otherwise. " +
	"If you are asked for a string, don't use articles, neither abbreviations (e.g. for cities), " +
	"and write the digits in plain text unless specified otherwise. " +
	"If you are asked for a comma separated list, apply the above rules depending of whether the element " +
	"to be put in the list is a number or a string."

// AgentSpec is the immutable description of an agent.
type AgentSpec struct {
	Name          string
	Instructions  string
	Model         string
	Temperature   float32
	Tools         []string
	MaxToolDepth  int
	MaxIterations int
}

// SpecFromConfig builds an AgentSpec, filling empty instructions with
// DefaultInstructions.
func SpecFromConfig(cfg config.AgentConfig) AgentSpec {
	instructions := strings.TrimSpace(cfg.Instructions)
	if instructions == "" {
		instructions = DefaultInstructions
	}
	tools := make([]string, len(cfg.Tools))
	copy(tools, cfg.Tools)
	return AgentSpec{
		Name:          cfg.Name,
		Instructions:  instructions,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		Tools:         tools,
		MaxToolDepth:  cfg.MaxToolDepth,
		MaxIterations: cfg.MaxIterations,
	}
}

// Agent binds a spec to an orchestrator.
type Agent struct {
	spec AgentSpec
	orch *HarnessOrchestrator
}

func NewAgent(spec AgentSpec, orch *HarnessOrchestrator) *Agent {
	return &Agent{spec: spec, orch: orch}
}

// Spec returns a copy of the agent's spec.
func (a *Agent) Spec() AgentSpec {
	s := a.spec
	s.Tools = append([]string(nil), a.spec.Tools...)
	return s
}

// Run answers the conversation. See HarnessOrchestrator.Answer.
func (a *Agent) Run(ctx context.Context, conv *Conversation) (Reply, *Conversation, error) {
	return a.orch.Answer(ctx, a.spec, conv)
}
