package mcp

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/db"
	"github.com/banterop/banterop/internal/rooms"
	"github.com/banterop/banterop/pkg/a2a"
)

func TestClampWaitMs(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want int64
	}{
		{"absent", nil, defaultWaitMs},
		{"string", "5000", defaultWaitMs},
		{"bool", true, defaultWaitMs},
		{"nan", math.NaN(), defaultWaitMs},
		{"positive inf", math.Inf(1), defaultWaitMs},
		{"negative inf", math.Inf(-1), defaultWaitMs},
		{"negative", float64(-5), defaultWaitMs},
		{"zero", float64(0), 0},
		{"in range", float64(5000), 5000},
		{"above max", float64(999_999), maxWaitMs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampWaitMs(tt.raw))
		})
	}
}

func historyMessage(role, text string) a2a.Message {
	return a2a.Message{
		Kind:  "message",
		Role:  role,
		Parts: []a2a.Part{a2a.TextPart(text)},
	}
}

func TestReplyWindow(t *testing.T) {
	task := &a2a.Task{
		History: []a2a.Message{
			historyMessage("user", "q1"),
			historyMessage("agent", "a1"),
			historyMessage("user", "q2"),
			historyMessage("agent", "a2"),
			historyMessage("agent", "a3"),
		},
	}
	window := replyWindow(task)
	assert.Len(t, window, 2)
	assert.Equal(t, "a2", window[0].Text())
	assert.Equal(t, "a3", window[1].Text())
}

func TestReplyWindowNoUserMessages(t *testing.T) {
	task := &a2a.Task{
		History: []a2a.Message{
			historyMessage("agent", "unsolicited"),
		},
	}
	assert.Len(t, replyWindow(task), 1)
}

func TestReplyWindowEndsWithUser(t *testing.T) {
	task := &a2a.Task{
		History: []a2a.Message{
			historyMessage("agent", "a1"),
			historyMessage("user", "q1"),
		},
	}
	assert.Empty(t, replyWindow(task))
}

func newTestBridge(t *testing.T) *rooms.Bridge {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := rooms.NewStore(database)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	return rooms.NewBridge(store, rooms.NewNotifier(nil, log), log)
}

func callToolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultPayload(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func TestCheckRepliesReportsConversationEnded(t *testing.T) {
	bridge := newTestBridge(t)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := Config{DefaultRoom: "pair-1"}
	handler := checkRepliesHandler(cfg, bridge, log)

	epoch, err := bridge.BeginEpoch(ctx, "pair-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), epoch.Epoch)

	res, err := handler(ctx, callToolRequest(map[string]any{
		"conversationId": "1",
		"waitMs":         float64(0),
	}))
	require.NoError(t, err)
	payload := resultPayload(t, res)
	assert.Equal(t, "submitted", payload["status"])
	assert.Equal(t, false, payload["conversation_ended"])

	msg := a2a.Message{
		Kind:   "message",
		Parts:  []a2a.Part{a2a.TextPart("all done")},
		TaskID: rooms.TaskID(rooms.RoleInit, "pair-1", 1),
	}
	msg.SetNextState(a2a.StateCompleted)
	_, err = bridge.Send(ctx, "pair-1", rooms.RoleInit, msg)
	require.NoError(t, err)

	res, err = handler(ctx, callToolRequest(map[string]any{
		"conversationId": "1",
		"waitMs":         float64(0),
	}))
	require.NoError(t, err)
	payload = resultPayload(t, res)
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, true, payload["conversation_ended"])
}
