package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/telephony/wsmedia"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MediaWebSocket upgrades the provider's media stream connection and runs
// it to completion (§4.F). It rejects new calls once MaxConcurrentCalls is
// reached rather than accepting a connection it cannot service.
func (h *Handler) MediaWebSocket(c *gin.Context) {
	if h.registry.Count() >= h.cfg.MaxConcurrentCalls {
		errors.TooManyRequests(c, "call volume at capacity")
		return
	}

	conn, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("media websocket upgrade failed", zap.Error(err))
		return
	}

	deps := wsmedia.Deps{
		API:              h.api,
		AIEndpoint:       h.cfg.RealtimeEndpoint,
		AIAPIKey:         h.cfg.OpenAIAPIKey,
		TrunkCountryCode: h.cfg.TrunkCountryCode,
		MaxCallDuration:  time.Duration(h.cfg.MaxCallDurationSec) * time.Second,
		HangupDelay:      time.Duration(h.cfg.HangupDelayMs) * time.Millisecond,
		Registry:         h.registry,
		Archive:          h.archive,
		VAD: aisession.Config{
			Voice:              h.cfg.RealtimeVoice,
			VADThreshold:       h.cfg.VADThreshold,
			VADSilenceMs:       h.cfg.VADSilenceMs,
			VADPrefixPaddingMs: h.cfg.VADPrefixPaddingMs,
		},
	}

	if err := wsmedia.Serve(context.Background(), conn, deps); err != nil {
		h.logger.Info("media session ended", zap.Error(err))
	}
}
