// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"retro-ingest-go/internal/service"
	"retro-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// calculateProgress is a helper function to calculate upload progress.
func calculateProgress(uploaded, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return (float64(uploaded) / float64(total)) * 100
}

// SessionHandler 负责处理所有与上传会话相关的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// InitiateSessionRequest 定义了发起上传会话 API 的请求体结构。
type InitiateSessionRequest struct {
	FileName     string `json:"fileName" binding:"required"`
	FileSize     int64  `json:"fileSize" binding:"required"`
	DeclaredHash string `json:"declaredHash"`
	ChunkSize    int64  `json:"chunkSize"`
	MimeType     string `json:"mimeType"`
}

// InitiateSession 处理发起上传会话的请求。
func (h *SessionHandler) InitiateSession(c *gin.Context) {
	var req InitiateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	session, err := h.sessionService.Initiate(c.Request.Context(), service.InitiateRequest{
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		DeclaredHash: req.DeclaredHash,
		ChunkSize:    req.ChunkSize,
		MimeType:     req.MimeType,
	})
	if err != nil {
		respondError(c, "InitiateSession", err, "创建上传会话失败")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "上传会话创建成功",
		"data": gin.H{
			"sessionId":   session.ID,
			"chunkSize":   session.ChunkSize,
			"totalChunks": session.TotalChunks,
			"platform":    session.Platform,
			"expiresAt":   session.ExpiresAt,
		},
	})
}

// UploadChunk 处理分片提交的请求。
func (h *SessionHandler) UploadChunk(c *gin.Context) {
	sessionID := c.Param("id")
	chunkIndexStr := c.PostForm("chunkIndex")
	if chunkIndexStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 chunkIndex 参数"})
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片索引"})
		return
	}

	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的分片"})
		return
	}
	defer file.Close()

	receipt, err := h.sessionService.AdmitChunk(c.Request.Context(), sessionID, chunkIndex, header.Size, file)
	if err != nil {
		respondError(c, "UploadChunk", err, "分片上传失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "分片上传成功",
		"data": gin.H{
			"sessionComplete": receipt.SessionComplete,
			"uploaded":        receipt.UploadedChunks,
			"totalChunks":     receipt.TotalChunks,
			"progress":        calculateProgress(receipt.UploadedChunks, receipt.TotalChunks),
		},
	})
}

// GetSession 处理会话状态查询的请求。
func (h *SessionHandler) GetSession(c *gin.Context) {
	status, err := h.sessionService.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "GetSession", err, "获取会话状态失败")
		return
	}

	session := status.Session
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取会话状态成功",
		"data": gin.H{
			"session":         session,
			"uploadedIndexes": status.UploadedIndexes,
			"progress":        calculateProgress(len(status.UploadedIndexes), session.TotalChunks),
		},
	})
}

// CompleteSession 处理显式完成触发的请求。
func (h *SessionHandler) CompleteSession(c *gin.Context) {
	if err := h.sessionService.Complete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "CompleteSession", err, "完成会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话已进入处理阶段",
	})
}

// CancelSession 处理取消会话的请求。
func (h *SessionHandler) CancelSession(c *gin.Context) {
	if err := h.sessionService.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "CancelSession", err, "取消会话失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话已取消",
	})
}

// ListSessions 处理按状态筛选会话列表的请求。
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessionService.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, "ListSessions", err, "获取会话列表失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取会话列表成功",
		"data":    gin.H{"sessions": sessions, "total": len(sessions)},
	})
}

// respondError 把领域错误映射为 HTTP 状态码。
func respondError(c *gin.Context, op string, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrIndexOutOfRange),
		errors.Is(err, service.ErrSizeMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error()})
	case errors.Is(err, service.ErrSessionGone):
		c.JSON(http.StatusGone, gin.H{"code": http.StatusGone, "message": err.Error()})
	case errors.Is(err, service.ErrDuplicateArtifact),
		errors.Is(err, service.ErrCorruptionDetected),
		errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error()})
	default:
		log.Errorf("[%s] 请求处理失败: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": fallback})
	}
}
