package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/controlplane"
	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/archive"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/telephony/sipmedia"
)

// sipServerHandle is the running SIP listener, closed on process shutdown.
// It forwards the control plane's SIPController surface (§4.H) to the
// underlying sipmedia.Server.
type sipServerHandle struct {
	srv *sipmedia.Server
}

func (h *sipServerHandle) Close() error {
	return h.srv.Close()
}

func (h *sipServerHandle) RegistrationState() (bool, string) { return h.srv.RegistrationState() }
func (h *sipServerHandle) ActiveCalls() int                  { return h.srv.ActiveCalls() }
func (h *sipServerHandle) MaxConcurrentCalls() int           { return h.srv.MaxConcurrentCalls() }

func (h *sipServerHandle) PlaceCall(ctx context.Context, sid, to, from string, timeoutSec int) error {
	return h.srv.PlaceCall(ctx, sid, to, from, timeoutSec)
}

// startSIPServer builds and starts the SIP UA for the single-trunk
// restaurant bridge (§4.G). The listener is started in a background
// goroutine for the rest of the process lifetime; the function returns
// without waiting for it to bind, and a listen error is only logged.
func startSIPServer(cfg *env.Config, api *apiclient.Client, registry *controlplane.CallRegistry, callArchive *archive.Store) (*sipServerHandle, error) {
	network := "udp"
	if strings.HasPrefix(strings.ToLower(cfg.SIPListenAddr), "tcp:") {
		network = "tcp"
	}

	srv, err := sipmedia.NewServer(sipmedia.Deps{
		API:              api,
		AIEndpoint:       cfg.RealtimeEndpoint,
		AIAPIKey:         cfg.OpenAIAPIKey,
		RestaurantID:     cfg.RestaurantID,
		TrunkCountryCode: cfg.TrunkCountryCode,
		VAD: aisession.Config{
			Voice:              cfg.RealtimeVoice,
			VADThreshold:       cfg.VADThreshold,
			VADSilenceMs:       cfg.VADSilenceMs,
			VADPrefixPaddingMs: cfg.VADPrefixPaddingMs,
		},
		ListenAddr:         cfg.SIPListenAddr,
		STUNServer:         cfg.STUNServer,
		TURNServer:         cfg.TURNServer,
		TURNUsername:       cfg.TURNUsername,
		TURNPassword:       cfg.TURNPassword,
		RTPPortMin:         cfg.RTPPortRangeMin,
		RTPPortMax:         cfg.RTPPortRangeMax,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MaxCallDurationSec: cfg.MaxCallDurationSec,
		HangupDelayMs:      cfg.HangupDelayMs,

		SIPDomain:           cfg.SIPDomain,
		SIPUsername:         cfg.SIPUsername,
		SIPPassword:         cfg.SIPPassword,
		RegisterIntervalSec: cfg.SIPRegisterInterval,
		IncomingCallbackURL: cfg.IncomingCallbackURL,

		Registry: registry,
		Archive:  callArchive,
	})
	if err != nil {
		return nil, fmt.Errorf("build sip server: %w", err)
	}

	ctx := context.Background()
	go func() {
		if err := srv.ListenAndServe(ctx, network); err != nil {
			logger.Log.Error("sip server stopped", zap.Error(err))
		}
	}()

	logger.Log.Info("sip server listening", zap.String("addr", cfg.SIPListenAddr), zap.String("network", network))
	return &sipServerHandle{srv: srv}, nil
}
