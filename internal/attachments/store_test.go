package attachments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/banterop/internal/common/logger"
	"github.com/banterop/banterop/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s, err := New(database)
	require.NoError(t, err)
	return s
}

func TestPutAndGetByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Put(ctx, Attachment{
		ConversationID: 7,
		Name:           "labs.pdf",
		ContentType:    "application/pdf",
		Content:        []byte("pdf-bytes"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	att, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "labs.pdf", att.Name)
	assert.Equal(t, []byte("pdf-bytes"), att.Content)

	_, err = s.GetByID(ctx, "missing")
	require.Error(t, err)
}

func TestGetByDocIDReturnsLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, Attachment{
		ConversationID: 7,
		DocID:          "referral",
		Name:           "referral-v1.txt",
		Content:        []byte("v1"),
	})
	require.NoError(t, err)
	second, err := s.Put(ctx, Attachment{
		ConversationID: 7,
		DocID:          "referral",
		Name:           "referral-v2.txt",
		Content:        []byte("v2"),
	})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	att, err := s.GetByDocID(ctx, 7, "referral")
	require.NoError(t, err)
	assert.Equal(t, second, att.ID)
	assert.Equal(t, []byte("v2"), att.Content)

	// scoped per conversation
	_, err = s.GetByDocID(ctx, 8, "referral")
	require.Error(t, err)
}

func TestDocIDRoute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, Attachment{
		ConversationID: 7,
		DocID:          "referral",
		Name:           "referral.txt",
		Content:        []byte("body"),
	})
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandlers(s, log).RegisterRoutes(r.Group("/api"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/7/attachments/referral", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var att Attachment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &att))
	assert.Equal(t, "referral.txt", att.Name)
	assert.Equal(t, "referral", att.DocID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/7/attachments/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/nope/attachments/referral", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
