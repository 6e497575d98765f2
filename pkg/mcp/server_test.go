package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/casys/pkg/planner"
	"github.com/casys-ai/casys/pkg/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemoryStore()
	for _, row := range []storage.ToolEmbeddingRow{
		{ToolID: "fs:read_file", ServerID: "fs", ToolName: "read_file"},
		{ToolID: "fs:write_file", ServerID: "fs", ToolName: "write_file"},
		{ToolID: "http:get", ServerID: "http", ToolName: "get"},
	} {
		require.NoError(t, db.UpsertToolEmbedding(ctx, row))
	}

	eng, err := planner.New(planner.Options{DB: db})
	require.NoError(t, err)
	require.NoError(t, eng.Sync(ctx))

	// One in-flight request keeps handling deterministic for assertions.
	srv, err := NewServer(eng, 1, nil)
	require.NoError(t, err)
	return srv
}

func request(id int, method string, params any) string {
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

// roundTrip feeds the lines through Serve and indexes the responses by id.
func roundTrip(t *testing.T, srv *Server, lines ...string) map[string]*Message {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), in, &out))

	responses := make(map[string]*Message)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		responses[string(msg.ID)] = &msg
	}
	return responses
}

func toolResult(t *testing.T, msg *Message) CallToolResult {
	t.Helper()
	require.NotNil(t, msg)
	require.Nil(t, msg.Error)
	var res CallToolResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	return res
}

func TestServeHandshake(t *testing.T) {
	srv := newTestServer(t)
	responses := roundTrip(t, srv,
		request(1, "initialize", map[string]any{"protocolVersion": protocolVersion}),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		request(2, "ping", nil),
	)

	init := responses["1"]
	require.NotNil(t, init)
	require.Nil(t, init.Error)
	var res InitializeResult
	require.NoError(t, json.Unmarshal(init.Result, &res))
	assert.Equal(t, protocolVersion, res.ProtocolVersion)
	assert.Equal(t, serverName, res.ServerInfo.Name)
	assert.Contains(t, res.Capabilities, "tools")
	assert.Contains(t, res.Capabilities, "sampling")

	ping := responses["2"]
	require.NotNil(t, ping)
	require.Nil(t, ping.Error)
	var pong map[string]bool
	require.NoError(t, json.Unmarshal(ping.Result, &pong))
	assert.True(t, pong["pong"])
}

func TestServeListTools(t *testing.T) {
	srv := newTestServer(t)
	responses := roundTrip(t, srv, request(1, "tools/list", nil))

	var res ListToolsResult
	require.NotNil(t, responses["1"])
	require.NoError(t, json.Unmarshal(responses["1"].Result, &res))
	require.Len(t, res.Tools, 8)

	names := make([]string, len(res.Tools))
	for i, tool := range res.Tools {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.NotEmpty(t, tool.InputSchema)
	}
	assert.Equal(t, []string{
		"suggest_workflow", "predict_next", "record_execution", "record_traces",
		"sync_graph", "graph_stats", "hybrid_search", "record_hint",
	}, names)
}

func TestServeToolCalls(t *testing.T) {
	srv := newTestServer(t)
	responses := roundTrip(t, srv,
		request(1, "tools/call", CallToolParams{Name: "graph_stats"}),
		request(2, "tools/call", CallToolParams{
			Name:      "hybrid_search",
			Arguments: json.RawMessage(`{"query": "read file"}`),
		}),
		request(3, "tools/call", CallToolParams{
			Name:      "record_hint",
			Arguments: json.RawMessage(`{"from": "fs:read_file", "to": "http:get", "edge_type": "dependency"}`),
		}),
	)

	t.Run("graph_stats", func(t *testing.T) {
		res := toolResult(t, responses["1"])
		require.False(t, res.IsError)
		require.NotEmpty(t, res.Content)
		assert.Equal(t, "text", res.Content[0].Type)

		var stats struct {
			Nodes int `json:"nodes"`
			Edges int `json:"edges"`
		}
		require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &stats))
		assert.Equal(t, 3, stats.Nodes)
	})

	t.Run("hybrid_search", func(t *testing.T) {
		res := toolResult(t, responses["2"])
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "fs:read_file")
	})

	t.Run("record_hint", func(t *testing.T) {
		res := toolResult(t, responses["3"])
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, `"confidence": 0.9`)
	})
}

func TestServeErrors(t *testing.T) {
	srv := newTestServer(t)
	responses := roundTrip(t, srv,
		request(1, "tools/call", CallToolParams{Name: "no_such_tool"}),
		request(2, "tools/call", CallToolParams{
			Name:      "suggest_workflow",
			Arguments: json.RawMessage(`{"context_tools": []}`),
		}),
		request(3, "nonexistent/method", nil),
		`this is not json`,
	)

	t.Run("unknown tool is a protocol error", func(t *testing.T) {
		msg := responses["1"]
		require.NotNil(t, msg)
		require.NotNil(t, msg.Error)
		assert.Equal(t, codeMethodNotFound, msg.Error.Code)
		assert.Contains(t, msg.Error.Message, "no_such_tool")
	})

	t.Run("schema violation is a tool-level error", func(t *testing.T) {
		res := toolResult(t, responses["2"])
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "invalid arguments")
	})

	t.Run("unknown method", func(t *testing.T) {
		msg := responses["3"]
		require.NotNil(t, msg)
		require.NotNil(t, msg.Error)
		assert.Equal(t, codeMethodNotFound, msg.Error.Code)
	})

	t.Run("unparsable line", func(t *testing.T) {
		msg := responses[""]
		require.NotNil(t, msg)
		require.NotNil(t, msg.Error)
		assert.Equal(t, codeParseError, msg.Error.Code)
	})
}

func TestServeRecordAndPredict(t *testing.T) {
	srv := newTestServer(t)
	responses := roundTrip(t, srv,
		request(1, "tools/call", CallToolParams{
			Name: "record_execution",
			Arguments: json.RawMessage(`{
				"success": true,
				"tasks": [
					{"task_id": "t1", "tool": "fs:read_file", "success": true, "duration_ms": 12},
					{"task_id": "t2", "tool": "http:get", "success": true, "duration_ms": 230, "depends_on": ["t1"]}
				]
			}`),
		}),
		request(2, "tools/call", CallToolParams{
			Name:      "predict_next",
			Arguments: json.RawMessage(`{"executed": [{"task_id": "t1", "tool": "fs:read_file", "success": true}]}`),
		}),
	)

	res := toolResult(t, responses["1"])
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, `"recorded": 2`)

	res = toolResult(t, responses["2"])
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "http:get")
}
