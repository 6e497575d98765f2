package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/casys-ai/casys/pkg/learn"
	"github.com/casys-ai/casys/pkg/predict"
)

// toolHandler executes one tool call with already-validated arguments.
type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type toolDef struct {
	tool    Tool
	schema  *jsonschema.Schema
	handler toolHandler
}

// registerTools compiles every tool's argument schema and installs its
// handler. A schema that fails to compile is a programming error and
// aborts construction.
func (s *Server) registerTools() error {
	s.tools = make(map[string]*toolDef)

	specs := []struct {
		name, description, schema string
		handler                   toolHandler
	}{
		{
			name:        "suggest_workflow",
			description: "Suggest a workflow DAG for a natural-language intent. Returns tasks with dependencies, a confidence score and a rationale, or no suggestion when confidence is too low.",
			schema: `{
				"type": "object",
				"properties": {
					"intent": {"type": "string", "description": "What the workflow should accomplish"},
					"context_tools": {"type": "array", "items": {"type": "string"}, "description": "Tools already in use"}
				},
				"required": ["intent"]
			}`,
			handler: s.handleSuggestWorkflow,
		},
		{
			name:        "predict_next",
			description: "Predict the next tool for a running workflow from its executed tasks. Irreversible operations are never suggested speculatively.",
			schema: `{
				"type": "object",
				"properties": {
					"executed": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"task_id": {"type": "string"},
								"tool": {"type": "string"},
								"success": {"type": "boolean"}
							},
							"required": ["tool", "success"]
						}
					}
				},
				"required": ["executed"]
			}`,
			handler: s.handlePredictNext,
		},
		{
			name:        "record_execution",
			description: "Feed a completed workflow run back into the knowledge graph. Strengthens the declared dependency edges of the executed DAG and records episodic outcomes.",
			schema: `{
				"type": "object",
				"properties": {
					"success": {"type": "boolean"},
					"tasks": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"task_id": {"type": "string"},
								"tool": {"type": "string"},
								"success": {"type": "boolean"},
								"duration_ms": {"type": "number"},
								"depends_on": {"type": "array", "items": {"type": "string"}}
							},
							"required": ["tool", "success"]
						}
					}
				},
				"required": ["tasks"]
			}`,
			handler: s.handleRecordExecution,
		},
		{
			name:        "record_traces",
			description: "Mine structural edges from raw code trace spans: parents contain children, consecutive siblings form sequences.",
			schema: `{
				"type": "object",
				"properties": {
					"traces": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"trace_id": {"type": "string"},
								"parent_trace_id": {"type": "string"},
								"tool": {"type": "string"},
								"timestamp": {"type": "string", "format": "date-time"}
							},
							"required": ["trace_id", "tool"]
						}
					}
				},
				"required": ["traces"]
			}`,
			handler: s.handleRecordTraces,
		},
		{
			name:        "sync_graph",
			description: "Reload the knowledge graph from storage and recompute metrics and clustering.",
			schema:      `{"type": "object", "properties": {}}`,
			handler:     s.handleSyncGraph,
		},
		{
			name:        "graph_stats",
			description: "Report knowledge graph health: node and edge counts, density, communities and top tools by centrality.",
			schema:      `{"type": "object", "properties": {}}`,
			handler:     s.handleGraphStats,
		},
		{
			name:        "hybrid_search",
			description: "Search tools by blending semantic similarity with graph relatedness under the local alpha coefficient.",
			schema: `{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"context_tools": {"type": "array", "items": {"type": "string"}},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50},
					"include_related": {"type": "boolean"}
				},
				"required": ["query"]
			}`,
			handler: s.handleHybridSearch,
		},
		{
			name:        "record_hint",
			description: "Record an agent-supplied relationship between two known tools. User hints carry pinned confidence.",
			schema: `{
				"type": "object",
				"properties": {
					"from": {"type": "string"},
					"to": {"type": "string"},
					"edge_type": {"type": "string", "enum": ["dependency", "contains", "alternative", "provides", "sequence"]}
				},
				"required": ["from", "to", "edge_type"]
			}`,
			handler: s.handleRecordHint,
		},
	}

	compiler := jsonschema.NewCompiler()
	for _, spec := range specs {
		url := spec.name + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.name, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return fmt.Errorf("tool %s: %w", spec.name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.name, err)
		}
		s.tools[spec.name] = &toolDef{
			tool: Tool{
				Name:        spec.name,
				Description: spec.description,
				InputSchema: json.RawMessage(spec.schema),
			},
			schema:  schema,
			handler: spec.handler,
		}
		s.order = append(s.order, spec.name)
	}
	return nil
}

func (s *Server) listTools() ListToolsResult {
	out := ListToolsResult{Tools: make([]Tool, 0, len(s.order))}
	for _, name := range s.order {
		out.Tools = append(out.Tools, s.tools[name].tool)
	}
	return out
}

// callTool validates arguments against the tool's schema and runs the
// handler. Handler errors become tool-level errors, not protocol errors;
// the call itself succeeded.
func (s *Server) callTool(ctx context.Context, params CallToolParams) (*CallToolResult, *RPCError) {
	def, ok := s.tools[params.Name]
	if !ok {
		return nil, &RPCError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "arguments are not valid JSON"}
	}
	if err := def.schema.Validate(doc); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	result, err := def.handler(ctx, args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, &RPCError{Code: codeInternalError, Message: "result marshal failed"}
	}
	return textResult(string(text)), nil
}

func (s *Server) handleSuggestWorkflow(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Intent       string   `json:"intent"`
		ContextTools []string `json:"context_tools"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	dag, err := s.engine.SuggestWorkflow(ctx, in.Intent, in.ContextTools)
	if err != nil {
		return nil, err
	}
	if dag == nil {
		return map[string]any{
			"suggestion": nil,
			"reason":     "confidence below threshold; plan manually",
		}, nil
	}
	return map[string]any{"suggestion": dag}, nil
}

func (s *Server) handlePredictNext(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Executed []predict.TaskRun `json:"executed"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return s.engine.PredictNext(ctx, predict.State{Executed: in.Executed}), nil
}

func (s *Server) handleRecordExecution(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Success bool `json:"success"`
		Tasks   []struct {
			TaskID     string   `json:"task_id"`
			Tool       string   `json:"tool"`
			Success    bool     `json:"success"`
			DurationMS float64  `json:"duration_ms"`
			DependsOn  []string `json:"depends_on"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	report := learn.ExecutionReport{Success: in.Success}
	for _, t := range in.Tasks {
		report.Tasks = append(report.Tasks, learn.TaskResult{
			TaskID:    t.TaskID,
			Tool:      t.Tool,
			Success:   t.Success,
			Duration:  durationMS(t.DurationMS),
			DependsOn: t.DependsOn,
		})
	}
	if err := s.engine.RecordExecution(ctx, report); err != nil {
		return nil, err
	}
	return map[string]any{"recorded": len(report.Tasks)}, nil
}

func durationMS(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func (s *Server) handleRecordTraces(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Traces []learn.CodeTrace `json:"traces"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := s.engine.RecordTraces(ctx, in.Traces); err != nil {
		return nil, err
	}
	return map[string]any{"recorded": len(in.Traces)}, nil
}

func (s *Server) handleSyncGraph(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.engine.Sync(ctx); err != nil {
		return nil, err
	}
	return s.engine.GraphStats(), nil
}

func (s *Server) handleGraphStats(_ context.Context, _ json.RawMessage) (any, error) {
	return s.engine.GraphStats(), nil
}

func (s *Server) handleHybridSearch(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query          string   `json:"query"`
		ContextTools   []string `json:"context_tools"`
		Limit          int      `json:"limit"`
		IncludeRelated bool     `json:"include_related"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if in.Limit == 0 {
		in.Limit = 10
	}
	results, err := s.engine.HybridSearch(ctx, in.Query, in.ContextTools, in.Limit, in.IncludeRelated)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) handleRecordHint(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		From     string `json:"from"`
		To       string `json:"to"`
		EdgeType string `json:"edge_type"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	edge, err := s.engine.RecordHint(ctx, in.From, in.To, in.EdgeType)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"from":       edge.From,
		"to":         edge.To,
		"type":       string(edge.Type),
		"weight":     edge.Weight,
		"confidence": edge.Confidence,
	}, nil
}
