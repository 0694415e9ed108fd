package sipmedia

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/logger"
)

// Deps are the resources shared by every call this server answers,
// mirroring wsmedia.Deps (§4.G reuses the same AI/business-API wiring as
// the WS variant; only the transport differs).
type Deps struct {
	API              *apiclient.Client
	AIEndpoint       string
	AIAPIKey         string
	RestaurantID     string
	TrunkCountryCode string
	VAD              aisession.Config

	ListenAddr   string
	STUNServer   string
	TURNServer   string
	TURNUsername string
	TURNPassword string
	RTPPortMin   int
	RTPPortMax   int

	MaxConcurrentCalls int
	MaxCallDurationSec int
	HangupDelayMs      int

	SIPDomain           string
	SIPUsername         string
	SIPPassword         string
	RegisterIntervalSec int
	IncomingCallbackURL string

	Registry Registry
	Archive  archiveStore
}

// archiveStore is the subset of pkg/archive.Store a call needs, kept as a
// local interface so sipmedia does not depend on the Mongo driver just to
// call Archive on the rare process that enables it.
type archiveStore interface {
	Archive(ctx context.Context, call *callctx.Context)
}

// Server is the SIP user agent answering inbound calls on one trunk
// (§4.G). Unlike the teacher's multi-tenant PBX grounding, there is no
// extension registrar or dialog forker here: every INVITE is answered
// directly into an AI session.
type Server struct {
	deps   Deps
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ports  *portAllocator
	logger *zap.Logger

	activeCount *activeCounter
	registrar   *registrar
}

// NewServer builds the SIP UA/Server and registers method handlers, but
// does not start listening; call ListenAndServe for that.
func NewServer(deps Deps) (*Server, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(deps.ListenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("create sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("create sip client: %w", err)
	}

	if deps.RTPPortMin == 0 {
		deps.RTPPortMin = 10000
	}
	if deps.RTPPortMax == 0 {
		deps.RTPPortMax = 20000
	}

	s := &Server{
		deps:        deps,
		ua:          ua,
		srv:         srv,
		client:      client,
		ports:       newPortAllocator(deps.RTPPortMin, deps.RTPPortMax),
		logger:      logger.Log,
		activeCount: newActiveCounter(),
	}
	s.registrar = newRegistrar(client, deps.SIPDomain, deps.SIPUsername, deps.SIPPassword, deps.ListenAddr, deps.RegisterIntervalSec)

	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(s.handleBye)
	srv.OnCancel(s.handleCancel)
	srv.OnOptions(s.handleOptions)

	return s, nil
}

// ListenAndServe starts the trunk registrar (§4.G) alongside accepting SIP
// traffic, and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, network string) error {
	go s.registrar.Run(ctx)
	return s.srv.ListenAndServe(ctx, network, s.deps.ListenAddr)
}

func (s *Server) Close() error {
	s.srv.Close()
	s.ua.Close()
	return nil
}

// RegistrationState reports the trunk's cached SIP registration status and
// account for GET /health (§4.H).
func (s *Server) RegistrationState() (bool, string) {
	return s.registrar.state.get()
}

// ActiveCalls and MaxConcurrentCalls back the GET /health call-capacity
// fields (§4.H).
func (s *Server) ActiveCalls() int        { return s.activeCount.Count() }
func (s *Server) MaxConcurrentCalls() int { return s.deps.MaxConcurrentCalls }

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if s.activeCount.Count() >= s.deps.MaxConcurrentCalls {
		res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		_ = tx.Respond(res)
		return
	}

	sid := uuid.NewString()
	callerPhone, calleePhone := "", ""
	if from := req.From(); from != nil {
		callerPhone = from.Address.User
	}
	if to := req.To(); to != nil {
		calleePhone = to.Address.User
	}
	if s.deps.Registry != nil {
		s.deps.Registry.CreateRecord(sid, "inbound", callerPhone, calleePhone, "ringing", nil, "", s.deps.IncomingCallbackURL)
	}

	s.activeCount.Inc()
	go func() {
		defer s.activeCount.Dec()
		if err := s.runCall(sid, req, tx); err != nil {
			s.logger.Warn("sipmedia: call ended with error", zap.Error(err))
		}
	}()
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	// ACK is not transactional and needs no response; runCall does not
	// wait for it and starts bridging right after sending the 200 OK.
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if cancel, ok := activeHangups.load(callID); ok {
		cancel()
	}
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if cancel, ok := activeHangups.load(callID); ok {
		cancel()
	}
}

func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	_ = tx.Respond(res)
}

type activeCounter struct {
	ch chan struct{}
}

func newActiveCounter() *activeCounter {
	return &activeCounter{ch: make(chan struct{}, 1<<20)}
}

func (c *activeCounter) Inc()       { c.ch <- struct{}{} }
func (c *activeCounter) Dec()       { <-c.ch }
func (c *activeCounter) Count() int { return len(c.ch) }
