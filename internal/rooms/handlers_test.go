package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
)

func newTestRouter(t *testing.T) (*Bridge, *gin.Engine) {
	t.Helper()
	bridge := newTestBridge(t)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	leases := NewLeaseManager(time.Minute, bridge.Notifier(), nil, log)
	h := NewHandlers(bridge, leases, time.Minute, log)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	return bridge, r
}

type epochsResponse struct {
	CurrentEpoch int64 `json:"currentEpoch"`
	Epochs       []struct {
		Epoch        int64  `json:"epoch"`
		InitTaskID   string `json:"initTaskId"`
		Terminal     string `json:"terminal"`
		MessageCount int64  `json:"messageCount"`
	} `json:"epochs"`
}

func getEpochs(t *testing.T, r *gin.Engine, pairID string) epochsResponse {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+pairID+"/epochs", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp epochsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestEpochsListingReportsCurrentEpochAndCounts(t *testing.T) {
	bridge, r := newTestRouter(t)
	ctx := context.Background()

	_, err := bridge.Send(ctx, "pair-1", RoleInit, textMessage("hello"))
	require.NoError(t, err)

	resp := getEpochs(t, r, "pair-1")
	assert.Equal(t, int64(1), resp.CurrentEpoch)
	require.Len(t, resp.Epochs, 1)
	assert.Equal(t, int64(1), resp.Epochs[0].Epoch)
	assert.Equal(t, int64(1), resp.Epochs[0].MessageCount)
	assert.Equal(t, "init:pair-1#1", resp.Epochs[0].InitTaskID)

	// a second send without a task id starts a fresh epoch
	_, err = bridge.Send(ctx, "pair-1", RoleInit, textMessage("again"))
	require.NoError(t, err)

	resp = getEpochs(t, r, "pair-1")
	assert.Equal(t, int64(2), resp.CurrentEpoch)
	require.Len(t, resp.Epochs, 2)
	assert.Equal(t, int64(2), resp.Epochs[0].Epoch, "newest first")
	assert.Equal(t, int64(1), resp.Epochs[0].MessageCount)
	assert.Equal(t, int64(1), resp.Epochs[1].MessageCount)
}

func TestEpochsListingUnknownPair(t *testing.T) {
	_, r := newTestRouter(t)

	resp := getEpochs(t, r, "ghost")
	assert.Equal(t, int64(0), resp.CurrentEpoch)
	assert.Empty(t, resp.Epochs)
}

func TestServerEventsStreamIsLiveOnly(t *testing.T) {
	bridge, r := newTestRouter(t)

	// backlog generated before the subscriber connects must not replay
	_, err := bridge.Send(context.Background(), "pair-1", RoleInit, textMessage("stale"))
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/pair-1/server-events", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, req)
		close(done)
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				bridge.Notifier().Publish(context.Background(), "pair-1", EventMessage,
					map[string]any{"tag": "fresh"})
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on disconnect")
	}

	body := w.Body.String()
	assert.Contains(t, body, "fresh")
	assert.NotContains(t, body, EventPairCreated)
}
