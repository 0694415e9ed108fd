package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`

	SIPRegistered      bool        `json:"sip_registered"`
	SIPAccount         string      `json:"sip_account"`
	WsTarget           string      `json:"ws_target"`
	ActiveCalls        int         `json:"active_calls"`
	MaxConcurrentCalls int         `json:"max_concurrent_calls"`
	Audio              audioHealth `json:"audio"`
}

type audioHealth struct {
	ClockRate int    `json:"clockRate"`
	Channels  int    `json:"channels"`
	BitDepth  int    `json:"bitDepth"`
	FrameMs   int    `json:"frameMs"`
	Codec     string `json:"codec"`
}

// HealthCheck answers GET /health (§4.H). The sip_* and audio fields are
// zero-valued when this process runs with SIP disabled (the WS-only
// variant), since there is no trunk registration to report.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{"redis": "unknown"}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		services["redis"] = "unhealthy"
	} else {
		services["redis"] = "healthy"
	}

	overall := "healthy"
	for _, status := range services {
		if status == "unhealthy" {
			overall = "degraded"
			break
		}
	}

	resp := healthResponse{
		Status:    overall,
		Timestamp: time.Now().Format(time.RFC3339),
		Services:  services,
		WsTarget:  h.cfg.PublicWSTarget,
	}

	if h.sip != nil {
		registered, account := h.sip.RegistrationState()
		resp.SIPRegistered = registered
		resp.SIPAccount = account
		resp.ActiveCalls = h.sip.ActiveCalls()
		resp.MaxConcurrentCalls = h.sip.MaxConcurrentCalls()
		resp.Audio = audioHealth{ClockRate: 8000, Channels: 1, BitDepth: 16, FrameMs: 20, Codec: "PCMU/PCMA"}
	}

	c.JSON(http.StatusOK, resp)
}
