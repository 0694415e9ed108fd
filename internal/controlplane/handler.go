// Package controlplane is the HTTP/WS surface a telephony provider and
// operators talk to (§4.H): health, metrics, the WS media bridge, and
// admin endpoints to list/hangup/transfer live calls.
package controlplane

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
)

// archiveStore is the subset of pkg/archive.Store the control plane needs
// to hand to wsmedia, kept as a local interface so this package does not
// depend on the Mongo driver for a process that may run without the
// archive enabled.
type archiveStore interface {
	Archive(ctx context.Context, call *callctx.Context)
	LogAction(ctx context.Context, userID, action, callID string)
}

// SIPController is the subset of sipmedia.Server the control plane needs
// for the SIP-only admin surface (§4.H GET /health, POST /api/calls): trunk
// registration status, call capacity, and outbound origination. Kept as a
// local interface, nil when the process runs with SIP disabled, so this
// package never imports pkg/telephony/sipmedia.
type SIPController interface {
	RegistrationState() (bool, string)
	ActiveCalls() int
	MaxConcurrentCalls() int
	PlaceCall(ctx context.Context, sid, to, from string, timeoutSec int) error
}

// Handler holds the process-wide dependencies every route needs.
type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	api         *apiclient.Client
	registry    *CallRegistry
	archive     archiveStore
	sip         SIPController
	logger      *zap.Logger
}

func NewHandler(cfg *env.Config, redisClient *redis.Client, api *apiclient.Client, registry *CallRegistry, archive archiveStore, sip SIPController) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		api:         api,
		registry:    registry,
		archive:     archive,
		sip:         sip,
		logger:      logger.Log,
	}
}
