package handlers

import (
	"fmt"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/store"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// SessionHandler serves the session CRUD surface. All state mutation done
// over HTTP goes through the same store the realtime gateway uses.
type SessionHandler struct {
	store store.Store

	// baseURL is used to build join URLs for QR codes.
	baseURL string
}

// NewSessionHandler creates the REST handler bundle.
func NewSessionHandler(st store.Store, baseURL string) *SessionHandler {
	return &SessionHandler{store: st, baseURL: baseURL}
}

// ErrorResponse is the REST error shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewSessionResponse is returned on session creation.
type NewSessionResponse struct {
	SessionCode string `json:"sessionCode"`
	UUID        string `json:"uuid"`
}

// CreateSession handles POST /session/new
func (h *SessionHandler) CreateSession(c *gin.Context) {
	language := c.Query("language")
	if language == "" {
		language = "en"
	}

	code, err := session.NewJoinCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to generate session code"})
		return
	}

	// Collision check; codes are short enough that this can happen.
	existing, err := h.store.Get(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create session"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Session code already exists"})
		return
	}

	value := session.New(code, uuid.NewString(), language)
	if err := h.store.Put(c.Request.Context(), value); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create session"})
		return
	}

	logger.Infof("session %s created", code)
	c.JSON(http.StatusOK, NewSessionResponse{SessionCode: code, UUID: value.UUID})
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	SessionCode string `json:"sessionCode"`
	Language    string `json:"language"`
	Clients     int    `json:"clients"`
	IsVMRunning bool   `json:"isVMRunning"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// ListSessions handles GET /sessions. Identity tokens are not exposed.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	values, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list sessions"})
		return
	}

	summaries := make([]SessionSummary, 0, len(values))
	for _, v := range values {
		summaries = append(summaries, SessionSummary{
			SessionCode: v.SessionCode,
			Language:    v.Language,
			Clients:     len(v.Clients),
			IsVMRunning: v.IsVMRunning,
			CreatedAt:   v.CreatedAt,
			UpdatedAt:   v.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, summaries)
}

// GetSession handles GET /session/:key
func (h *SessionHandler) GetSession(c *gin.Context) {
	key := c.Param("key")

	value, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}
	if value == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	c.JSON(http.StatusOK, value)
}

// PutSession handles PUT /session/:key
func (h *SessionHandler) PutSession(c *gin.Context) {
	key := c.Param("key")

	var value session.Value
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session payload"})
		return
	}

	// One identity-lookup path for every mutating operation: the session
	// table itself, by code.
	existing, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	if value.UUID != existing.UUID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Invalid uuid"})
		return
	}

	value.SessionCode = key
	value.Touch()
	if err := h.store.Put(c.Request.Context(), &value); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to update session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session updated"})
}

// DeleteSession handles DELETE /session/:key. The caller must present the
// session's identity token in the uuid query parameter.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	key := c.Param("key")

	existing, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	if c.Query("uuid") != existing.UUID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Invalid uuid"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

// ResumeSession handles POST /session/resume/:key. If the stored session
// still matches the posted workspace the existing code is reused; otherwise
// a new session is seeded from the posted data.
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	key := c.Param("key")

	var posted session.Value
	if err := c.ShouldBindJSON(&posted); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session payload"})
		return
	}

	existing, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}
	if existing != nil && reflect.DeepEqual(existing.Workspace, posted.Workspace) {
		c.JSON(http.StatusOK, NewSessionResponse{SessionCode: key, UUID: existing.UUID})
		return
	}

	code, err := session.NewJoinCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to generate session code"})
		return
	}

	value := session.New(code, posted.UUID, posted.Language)
	if value.UUID == "" {
		value.UUID = uuid.NewString()
	}
	value.Dialogue = posted.Dialogue
	value.QuickReplies = posted.QuickReplies
	value.Workspace = posted.Workspace
	value.EasyMode = posted.EasyMode
	value.ResponseMode = posted.ResponseMode
	value.LLMContext = posted.LLMContext
	value.Tutorial = posted.Tutorial
	value.Stats = posted.Stats
	value.Clicks = posted.Clicks
	value.AppendDialogue(session.NewTextTurn(session.ContentLog, false, "Started a new session with saved data."))

	if err := h.store.Put(c.Request.Context(), value); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create session"})
		return
	}

	logger.Infof("session %s resumed as %s", key, code)
	c.JSON(http.StatusOK, NewSessionResponse{SessionCode: code, UUID: value.UUID})
}

// SessionQR handles GET /session/:key/qr and returns a PNG QR code of the
// join URL.
func (h *SessionHandler) SessionQR(c *gin.Context) {
	key := c.Param("key")

	existing, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}

	joinURL := fmt.Sprintf("%s/%s", h.baseURL, key)
	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to render QR code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
