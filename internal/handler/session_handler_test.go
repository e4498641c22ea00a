package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"retro-ingest-go/internal/model"
	"retro-ingest-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSessionService 返回预置结果，用于路由层测试。
type stubSessionService struct {
	session    *model.UploadSession
	receipt    *service.ChunkReceipt
	status     *service.SessionStatus
	sessions   []model.UploadSession
	err        error
	lastChunk  int
	lastSeen   string
	chunkBytes []byte
}

func (s *stubSessionService) Initiate(_ context.Context, _ service.InitiateRequest) (*model.UploadSession, error) {
	return s.session, s.err
}

func (s *stubSessionService) AdmitChunk(_ context.Context, sessionID string, chunkIndex int, _ int64, data io.Reader) (*service.ChunkReceipt, error) {
	s.lastSeen = sessionID
	s.lastChunk = chunkIndex
	s.chunkBytes, _ = io.ReadAll(data)
	return s.receipt, s.err
}

func (s *stubSessionService) Complete(_ context.Context, sessionID string) error {
	s.lastSeen = sessionID
	return s.err
}

func (s *stubSessionService) Cancel(_ context.Context, sessionID string) error {
	s.lastSeen = sessionID
	return s.err
}

func (s *stubSessionService) GetStatus(_ context.Context, sessionID string) (*service.SessionStatus, error) {
	s.lastSeen = sessionID
	return s.status, s.err
}

func (s *stubSessionService) List(_ context.Context, _ string) ([]model.UploadSession, error) {
	return s.sessions, s.err
}

func newTestRouter(stub *stubSessionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewSessionHandler(stub)
	r.POST("/api/v1/sessions", h.InitiateSession)
	r.GET("/api/v1/sessions", h.ListSessions)
	r.GET("/api/v1/sessions/:id", h.GetSession)
	r.POST("/api/v1/sessions/:id/chunks", h.UploadChunk)
	r.POST("/api/v1/sessions/:id/complete", h.CompleteSession)
	r.POST("/api/v1/sessions/:id/cancel", h.CancelSession)
	return r
}

func TestInitiateSessionOK(t *testing.T) {
	stub := &stubSessionService{session: &model.UploadSession{
		ID:          "sess-1",
		ChunkSize:   5 << 20,
		TotalChunks: 3,
		Platform:    "NES",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}}
	r := newTestRouter(stub)

	body, _ := json.Marshal(map[string]interface{}{
		"fileName": "mario.nes",
		"fileSize": 12 << 20,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data struct {
			SessionID   string `json:"sessionId"`
			TotalChunks int    `json:"totalChunks"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.Data.SessionID)
	assert.Equal(t, 3, resp.Data.TotalChunks)
}

func TestInitiateSessionBadPayload(t *testing.T) {
	r := newTestRouter(&stubSessionService{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartChunk(t *testing.T, chunkIndex string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunkIndex", chunkIndex))
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadChunkOK(t *testing.T) {
	stub := &stubSessionService{receipt: &service.ChunkReceipt{
		Accepted: true, UploadedChunks: 2, TotalChunks: 4,
	}}
	r := newTestRouter(stub)

	body, contentType := multipartChunk(t, "1", []byte("chunk-bytes"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/chunks", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", stub.lastSeen)
	assert.Equal(t, 1, stub.lastChunk)
	assert.Equal(t, []byte("chunk-bytes"), stub.chunkBytes)

	var resp struct {
		Data struct {
			Progress float64 `json:"progress"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 50.0, resp.Data.Progress, 0.001)
}

func TestUploadChunkMissingIndex(t *testing.T) {
	r := newTestRouter(&stubSessionService{})
	body, contentType := multipartChunk(t, "", []byte("x"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/chunks", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad", service.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: oob", service.ErrIndexOutOfRange), http.StatusBadRequest},
		{fmt.Errorf("%w: size", service.ErrSizeMismatch), http.StatusBadRequest},
		{fmt.Errorf("%w: miss", service.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: gone", service.ErrSessionGone), http.StatusGone},
		{fmt.Errorf("%w: dup", service.ErrDuplicateArtifact), http.StatusConflict},
		{fmt.Errorf("%w: corrupt", service.ErrCorruptionDetected), http.StatusConflict},
		{fmt.Errorf("%w: state", service.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		stub := &stubSessionService{err: tc.err}
		r := newTestRouter(stub)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/cancel", nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestGetSessionOK(t *testing.T) {
	stub := &stubSessionService{status: &service.SessionStatus{
		Session: &model.UploadSession{
			ID:          "sess-1",
			Status:      model.StatusUploading,
			TotalChunks: 4,
		},
		UploadedIndexes: []int{0, 2},
		Present:         []bool{true, false, true, false},
	}}
	r := newTestRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			UploadedIndexes []int   `json:"uploadedIndexes"`
			Progress        float64 `json:"progress"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []int{0, 2}, resp.Data.UploadedIndexes)
	assert.InDelta(t, 50.0, resp.Data.Progress, 0.001)
}

func TestListSessions(t *testing.T) {
	stub := &stubSessionService{sessions: []model.UploadSession{
		{ID: "a", Status: model.StatusCompleted},
		{ID: "b", Status: model.StatusCompleted},
	}}
	r := newTestRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?status=COMPLETED", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Total)
}
