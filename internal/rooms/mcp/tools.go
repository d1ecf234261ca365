package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/rooms"
	"github.com/banterop/banterop/pkg/a2a"
)

const (
	defaultWaitMs = 10_000
	maxWaitMs     = 120_000
)

func registerTools(s *server.MCPServer, cfg Config, bridge *rooms.Bridge, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("begin_chat_thread",
			mcp.WithDescription("Start a fresh chat thread with the room's counterpart. Returns the conversationId used by the other chat tools."),
			mcp.WithString("room",
				mcp.Description("Room (pair) id; defaults to the server's configured room"),
			),
		),
		beginChatThreadHandler(cfg, bridge, log),
	)

	s.AddTool(
		mcp.NewTool("send_message_to_chat_thread",
			mcp.WithDescription("Send a message on an open chat thread. The counterpart is expected to reply; poll with check_replies."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("Thread id returned by begin_chat_thread"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("Message text to send"),
			),
			mcp.WithArray("attachments",
				mcp.Description("Optional attachments, each {name, contentType, content} with base64 content"),
			),
			mcp.WithString("room",
				mcp.Description("Room (pair) id; defaults to the server's configured room"),
			),
		),
		sendMessageHandler(cfg, bridge, log),
	)

	s.AddTool(
		mcp.NewTool("check_replies",
			mcp.WithDescription("Collect counterpart replies since your last message. Waits up to waitMs for new activity, then returns the current window and thread status."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("Thread id returned by begin_chat_thread"),
			),
			mcp.WithNumber("waitMs",
				mcp.Description("Milliseconds to wait for a reply, clamped to [0, 120000]; invalid or negative values use the default 10000"),
			),
			mcp.WithString("room",
				mcp.Description("Room (pair) id; defaults to the server's configured room"),
			),
		),
		checkRepliesHandler(cfg, bridge, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func roomFor(cfg Config, req mcp.CallToolRequest) string {
	if room := req.GetString("room", ""); room != "" {
		return room
	}
	return cfg.DefaultRoom
}

// threadEpoch validates the conversationId against the pair's current epoch.
func threadEpoch(ctx context.Context, bridge *rooms.Bridge, pairID, conversationID string) (int64, error) {
	epoch, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil || epoch < 1 {
		return 0, fmt.Errorf("invalid conversationId %q", conversationID)
	}
	current, err := bridge.Store().CurrentEpoch(ctx, pairID)
	if err != nil {
		return 0, fmt.Errorf("no open chat thread; call begin_chat_thread first")
	}
	if current.Epoch != epoch {
		return 0, fmt.Errorf("conversationId %q is not the current thread (current is %d)", conversationID, current.Epoch)
	}
	return epoch, nil
}

func beginChatThreadHandler(cfg Config, bridge *rooms.Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pairID := roomFor(cfg, req)
		epoch, err := bridge.BeginEpoch(ctx, pairID)
		if err != nil {
			log.Error("begin_chat_thread failed", zap.String("pair", pairID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to begin chat thread: %v", err)), nil
		}
		result, _ := json.Marshal(map[string]string{
			"conversationId": strconv.FormatInt(epoch.Epoch, 10),
		})
		return mcp.NewToolResultText(string(result)), nil
	}
}

func sendMessageHandler(cfg Config, bridge *rooms.Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		pairID := roomFor(cfg, req)

		epoch, err := threadEpoch(ctx, bridge, pairID, conversationID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		parts := []a2a.Part{a2a.TextPart(text)}
		if raw, ok := req.GetArguments()["attachments"].([]any); ok {
			for _, item := range raw {
				att, ok := item.(map[string]any)
				if !ok {
					continue
				}
				name, _ := att["name"].(string)
				contentType, _ := att["contentType"].(string)
				content, _ := att["content"].(string)
				parts = append(parts, a2a.Part{
					Kind: "file",
					File: &a2a.FilePart{
						Name:     name,
						MimeType: contentType,
						Bytes:    content,
					},
				})
			}
		}

		msg := a2a.Message{
			Kind:   "message",
			Parts:  parts,
			TaskID: rooms.TaskID(rooms.RoleInit, pairID, epoch),
		}
		msg.SetNextState(a2a.StateInputRequired)

		task, err := bridge.Send(ctx, pairID, rooms.RoleInit, msg)
		if err != nil {
			log.Error("send_message_to_chat_thread failed", zap.String("pair", pairID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}

		result, _ := json.Marshal(map[string]string{
			"guidance": "Message delivered. Call check_replies to wait for the counterpart's response.",
			"status":   string(task.Status.State),
		})
		return mcp.NewToolResultText(string(result)), nil
	}
}

func checkRepliesHandler(cfg Config, bridge *rooms.Bridge, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		pairID := roomFor(cfg, req)
		waitMs := clampWaitMs(req.GetArguments()["waitMs"])

		epoch, err := threadEpoch(ctx, bridge, pairID, conversationID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		collect := func() (*a2a.Task, []a2a.Message, error) {
			task, err := bridge.Project(ctx, pairID, epoch, rooms.RoleInit, nil)
			if err != nil {
				return nil, nil, err
			}
			return task, replyWindow(task), nil
		}

		task, window, err := collect()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read thread: %v", err)), nil
		}

		// Exactly one wait per call: skip it when the counterpart has already
		// handed the turn back or the thread is over.
		state := task.Status.State
		if !state.Terminal() && state != a2a.StateInputRequired && waitMs > 0 {
			wait := bridge.Notifier().Wait(pairID)
			select {
			case <-ctx.Done():
			case <-wait:
			case <-time.After(time.Duration(waitMs) * time.Millisecond):
			}
			task, window, err = collect()
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to read thread: %v", err)), nil
			}
		}

		result, _ := json.Marshal(map[string]any{
			"conversationId":     conversationID,
			"status":             string(task.Status.State),
			"conversation_ended": task.Status.State.Terminal(),
			"messages":           window,
		})
		return mcp.NewToolResultText(string(result)), nil
	}
}

// clampWaitMs validates the waitMs argument: non-numeric, non-finite and
// negative values fall back to the default, the rest clamps to maxWaitMs.
func clampWaitMs(raw any) int64 {
	v, ok := raw.(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return defaultWaitMs
	}
	if v > maxWaitMs {
		return maxWaitMs
	}
	return int64(v)
}

// replyWindow returns the messages after the initiator's latest message
// (role user in the initiator projection).
func replyWindow(task *a2a.Task) []a2a.Message {
	start := 0
	for i := range task.History {
		if task.History[i].Role == "user" {
			start = i + 1
		}
	}
	return task.History[start:]
}
