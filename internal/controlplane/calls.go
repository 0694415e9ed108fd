package controlplane

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/middleware"
)

// ListCalls answers GET /api/calls (§4.H). "calls" is the legacy WS-variant
// live-call snapshot (call id + duration, no SIP dialog behind it);
// "callRecords" is the full §3 CallRecord dict for every SIP call tracked,
// inbound or outbound.
func (h *Handler) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"calls":       h.registry.List(),
		"callRecords": h.registry.ListRecords(),
	})
}

// createCallRequest is the body of POST /api/calls (§4.H): originate an
// outbound call.
type createCallRequest struct {
	To           string            `json:"to"`
	From         string            `json:"from,omitempty"`
	CustomParams map[string]string `json:"customParams,omitempty"`
	WsTarget     string            `json:"wsTarget,omitempty"`
	CallbackUrl  string            `json:"callbackUrl,omitempty"`
	TimeoutSec   int               `json:"timeoutSec,omitempty"`
}

// CreateCall answers POST /api/calls (§4.H): originate an outbound SIP call.
// 201 with the new call's sid on success, 429 if the concurrent-call budget
// is already exhausted, 503 if this process has no SIP transport enabled.
func (h *Handler) CreateCall(c *gin.Context) {
	if h.sip == nil {
		errors.ErrorResponse(c, http.StatusServiceUnavailable, "Service Unavailable",
			"outbound calling requires the SIP telephony variant")
		return
	}

	var req createCallRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil || req.To == "" {
		errors.BadRequest(c, "to is required")
		return
	}

	if h.sip.ActiveCalls() >= h.sip.MaxConcurrentCalls() {
		errors.TooManyRequests(c, "concurrent call budget exhausted")
		return
	}

	sid := uuid.NewString()
	h.registry.CreateRecord(sid, "outbound", req.From, req.To, "initiated", req.CustomParams, req.WsTarget, req.CallbackUrl)

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := h.sip.PlaceCall(ctx, sid, req.To, req.From, req.TimeoutSec); err != nil {
			h.logger.Warn("outbound call failed", zap.String("sid", sid), zap.Error(err))
		}
	}()

	body, _ := json.Marshal(gin.H{"sid": sid, "status": "initiated"})
	middleware.StoreIdempotencyResponse(c, h.redisClient, http.StatusCreated, body)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// HangupCall answers DELETE /api/calls/{id}: cancel the call's context,
// which unwinds its steady-state loop and runs the normal finalize path.
// It tries the §3 CallRecord path first (SIP variant, keyed by sid), then
// falls back to the legacy registry (WS variant, keyed by call id).
func (h *Handler) HangupCall(c *gin.Context) {
	id := c.Param("id")
	if h.registry.CancelRecord(id) {
		h.archive.LogAction(c.Request.Context(), requestUserID(c), "hangup", id)
		c.Status(http.StatusAccepted)
		return
	}
	if !h.registry.Hangup(id) {
		errors.NotFound(c, "no live call with that id")
		return
	}
	h.archive.LogAction(c.Request.Context(), requestUserID(c), "hangup", id)
	c.Status(http.StatusAccepted)
}

// transferCallRequest is the body of POST /api/calls/{id}/transfer.
type transferCallRequest struct {
	Destination string `json:"destination"`
}

// TransferCall answers POST /api/calls/{id}/transfer (§4.H): a blind SIP
// REFER (§4.G xferCall), only while the call is active. A WS-bridged call
// has no SIP dialog to transfer and has no CallRecord, so it 404s here.
func (h *Handler) TransferCall(c *gin.Context) {
	id := c.Param("id")

	var req transferCallRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil || req.Destination == "" {
		errors.BadRequest(c, "destination is required")
		return
	}

	err := h.registry.TransferRecord(id, req.Destination)
	switch err {
	case nil:
		h.archive.LogAction(c.Request.Context(), requestUserID(c), "transfer", id)
		c.Status(http.StatusOK)
	case ErrRecordNotFound:
		errors.NotFound(c, "no live call with that id")
	case ErrCallNotActive, ErrTransferUnsupported:
		errors.BadRequest(c, err.Error())
	default:
		errors.ErrorResponse(c, http.StatusBadGateway, "Bad Gateway", err.Error())
	}
}

// requestUserID reads the subject AuthMiddleware attached to the request
// context, for attributing an admin action in the audit log.
func requestUserID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
