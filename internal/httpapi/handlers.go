package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"call-insights/internal/audit"
	"call-insights/internal/auth"
	"call-insights/internal/broadcast"
	"call-insights/internal/calls"
	"call-insights/internal/notify"
	"call-insights/internal/pipeline"
	"call-insights/internal/rbac"
	"call-insights/internal/reaper"
	"call-insights/internal/reporting"
	"call-insights/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Jobs      *pipeline.Orchestrator
	Store     calls.Store
	Hub       *broadcast.Hub
	Reports   *reporting.Service
	Reaper    *reaper.Reaper
	Retention *reaper.Retention
	Chats     notify.Directory
	Audit     *audit.Service
	Log       *slog.Logger
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

type telegramLinkRequest struct {
	ChatID string `json:"chat_id"`
}

// SetTelegramChat links (or, with an empty chat_id, unlinks) the caller's
// Telegram chat for notifications.
func (h Handlers) SetTelegramChat(c *gin.Context) {
	if h.Chats == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notifications not configured"})
		return
	}
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req telegramLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Chats.SetChatID(c.Request.Context(), uid, req.ChatID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Calls ---

type createCallRequest struct {
	AudioPath string       `json:"audio_path"`
	Language  string       `json:"language"`
	Source    calls.Source `json:"source"`
}

// CreateCall registers an uploaded recording for the caller and queues it.
func (h Handlers) CreateCall(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	call, err := h.Jobs.Accept(c.Request.Context(), calls.NewCall{
		OwnerID:   uid,
		Source:    req.Source,
		Language:  req.Language,
		AudioPath: req.AudioPath,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

type callDetail struct {
	calls.Call
	Transcription *calls.Transcription `json:"transcription,omitempty"`
	Analysis      *calls.Analysis      `json:"analysis,omitempty"`
}

// GetCall returns a call with whatever derived records exist.
func (h Handlers) GetCall(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	out := callDetail{Call: call}
	if tr, err := h.Store.GetTranscription(ctx, call.ID); err == nil {
		out.Transcription = &tr
	} else if !errors.Is(err, calls.ErrNotFound) {
		h.fail(c, err)
		return
	}
	if an, err := h.Store.GetAnalysis(ctx, call.ID); err == nil {
		out.Analysis = &an
	} else if !errors.Is(err, calls.ErrNotFound) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CallStatus returns the status snapshot plus retry bookkeeping.
func (h Handlers) CallStatus(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	snap, err := h.Jobs.Snapshot(c.Request.Context(), call.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{
		"call_id":           snap.CallID,
		"status":            snap.Status,
		"has_transcription": snap.HasTranscription,
		"has_analysis":      snap.HasAnalysis,
		"updated_at":        call.UpdatedAt,
	}
	if rs, ok := h.Jobs.RetryState(call.ID); ok {
		resp["retry"] = rs
	}
	c.JSON(http.StatusOK, resp)
}

// ReprocessCall re-enters a failed call, or a completed one with ?force=true.
func (h Handlers) ReprocessCall(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := h.Jobs.Reprocess(c.Request.Context(), call.ID, actor(c), force); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": call.ID, "status": calls.StatusPending})
}

// DeleteCall removes a call and its derived records.
func (h Handlers) DeleteCall(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	if call.Status == calls.StatusProcessing {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is processing"})
		return
	}
	if err := h.Jobs.Delete(c.Request.Context(), call.ID); err != nil {
		h.fail(c, err)
		return
	}
	log := logger.FromGin(c)
	log.Info("call deleted by request", "call_id", call.ID)
	if h.Audit != nil {
		if err := h.Audit.LogCallAction(c.Request.Context(), audit.EventTypeCallDelete, actor(c), call.ID, "deleted by request", string(call.Status)); err != nil {
			log.Warn("audit append failed", "call_id", call.ID, "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// ownedCall loads :id and enforces owner-or-admin. It writes the error
// response itself.
func (h Handlers) ownedCall(c *gin.Context) (calls.Call, bool) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	call, err := h.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return calls.Call{}, false
	}
	if !rbac.CanManageCall(uid, role, call.OwnerID) {
		// Same answer as a missing call so ids cannot be probed.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return calls.Call{}, false
	}
	return call, true
}

func actor(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

// fail maps domain errors to HTTP statuses.
func (h Handlers) fail(c *gin.Context, err error) {
	var verr *calls.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, reporting.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
