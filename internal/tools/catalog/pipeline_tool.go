package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// HandoffMode controls what prior step output a pipeline step's
// template sees (§4.7).
type HandoffMode string

const (
	HandoffFull HandoffMode = "full"
	HandoffLast HandoffMode = "last"
	HandoffNone HandoffMode = "none"
)

// StepKind discriminates a pipeline step's target.
type StepKind string

const (
	StepAgent StepKind = "agent"
	StepTool  StepKind = "tool"
)

// PipelineStep is one declarative step loaded from a `*.tool.json` file.
type PipelineStep struct {
	Kind     StepKind    `json:"kind"`
	Slug     string      `json:"slug,omitempty"`     // agent steps
	ToolName string      `json:"tool_name,omitempty"` // tool steps
	Template string      `json:"template"`             // prompt or arguments template
	Handoff  HandoffMode `json:"handoff"`
}

// PipelineDefinition is the declarative `*.tool.json` contents.
type PipelineDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Steps       []PipelineStep `json:"steps"`
}

// AgentRunner executes one pipeline agent step by slug, returning its
// final text.
type AgentRunner interface {
	RunAgentStep(ctx context.Context, slug, prompt string) (string, error)
}

// StepReport records one step's outcome for the accumulated report
// returned on pipeline failure.
type StepReport struct {
	Index   int
	Kind    StepKind
	Target  string
	Output  string
	Success bool
	Err     string
}

// PipelineTool is a single tool surfaced from a PipelineDefinition,
// composing agent/tool steps with templated handoff (§4.7).
type PipelineTool struct {
	def     PipelineDefinition
	agents  AgentRunner
	tools   map[string]agent.Tool
}

// NewPipelineTool builds a PipelineTool from its definition, an agent
// runner for `agent` steps, and the tool set available to `tool` steps.
func NewPipelineTool(def PipelineDefinition, agents AgentRunner, tools map[string]agent.Tool) *PipelineTool {
	return &PipelineTool{def: def, agents: agents, tools: tools}
}

func (p *PipelineTool) Name() string        { return p.def.Name }
func (p *PipelineTool) Description() string { return p.def.Description }
func (p *PipelineTool) Schema() json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": p.def.Parameters,
	})
	return b
}

// Execute runs every step in sequence, substituting {{param}},
// {{_lastOutput}}, and {{_fullHistory}} into each step's template per
// its handoff mode. On the first step failure, execution stops and the
// accumulated StepReport list is returned as the error detail.
func (p *PipelineTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("invalid pipeline arguments: %w", err)
		}
	}

	var history strings.Builder
	lastOutput := ""
	reports := make([]StepReport, 0, len(p.def.Steps))

	for i, step := range p.def.Steps {
		prepend := ""
		switch step.Handoff {
		case HandoffFull:
			prepend = history.String()
		case HandoffLast:
			prepend = lastOutput
		}

		rendered := renderTemplate(step.Template, args, lastOutput, history.String())
		if prepend != "" && step.Handoff != HandoffNone {
			rendered = prepend + "\n" + rendered
		}

		var output string
		var err error
		switch step.Kind {
		case StepAgent:
			if p.agents == nil {
				err = fmt.Errorf("no agent runner configured for pipeline step %d", i)
			} else {
				output, err = p.agents.RunAgentStep(ctx, step.Slug, rendered)
			}
		case StepTool:
			tool, ok := p.tools[step.ToolName]
			if !ok {
				err = fmt.Errorf("unknown tool %q in pipeline step %d", step.ToolName, i)
			} else if verr := ValidateToolInput(step.ToolName, tool.Schema(), json.RawMessage(rendered)); verr != nil {
				err = verr
			} else {
				var res *agent.ToolResult
				res, err = tool.Execute(ctx, json.RawMessage(rendered))
				if res != nil {
					output = res.Content
				}
			}
		default:
			err = fmt.Errorf("unknown step kind %q at step %d", step.Kind, i)
		}

		report := StepReport{Index: i, Kind: step.Kind, Output: output, Success: err == nil}
		if step.Kind == StepAgent {
			report.Target = step.Slug
		} else {
			report.Target = step.ToolName
		}
		if err != nil {
			report.Err = err.Error()
			reports = append(reports, report)
			detail, _ := json.Marshal(reports)
			return &agent.ToolResult{Content: string(detail), IsError: true}, nil
		}
		reports = append(reports, report)

		history.WriteString(output)
		history.WriteString("\n")
		lastOutput = output
	}

	return &agent.ToolResult{Content: lastOutput}, nil
}

// renderTemplate substitutes {{param}} placeholders from args plus the
// two reserved handoff placeholders.
func renderTemplate(template string, args map[string]any, lastOutput, fullHistory string) string {
	out := template
	out = strings.ReplaceAll(out, "{{_lastOutput}}", lastOutput)
	out = strings.ReplaceAll(out, "{{_fullHistory}}", fullHistory)
	for k, v := range args {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}
