package sipmedia

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/aisession"
	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/dispatch"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/phone"
)

// activeHangups lets handleBye/handleCancel reach the goroutine running a
// call's steady state, keyed by SIP Call-ID, without the server package
// threading a channel through every handler signature.
var activeHangups = newHangupTable()

type hangupTable struct {
	mu   sync.Mutex
	byID map[string]context.CancelFunc
}

func newHangupTable() *hangupTable {
	return &hangupTable{byID: make(map[string]context.CancelFunc)}
}

func (t *hangupTable) store(callID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[callID] = cancel
}

func (t *hangupTable) delete(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, callID)
}

func (t *hangupTable) load(callID string) (context.CancelFunc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.byID[callID]
	return cancel, ok
}

const (
	defaultMaxCallDurationSec = 600
	defaultHangupDelayMs      = 300
)

// runCall implements the full inbound SIP call lifecycle for one INVITE:
// the incoming-callback decision, codec negotiation, the same pre-call
// sequence as wsmedia.Serve, the RTP steady state, and BYE on exit (§4.G).
//
// The incoming-callback decision is resolved and honored before any
// response is sent: answering first and evaluating the decision afterward
// would race a "reject" decision against the 200 OK already on the wire.
func (s *Server) runCall(sid string, req *sip.Request, tx sip.ServerTransaction) error {
	sipCallID := ""
	if h := req.CallID(); h != nil {
		sipCallID = h.Value()
	}

	callerPhone, calleePhone := "", ""
	if from := req.From(); from != nil {
		callerPhone = from.Address.User
	}
	if to := req.To(); to != nil {
		calleePhone = to.Address.User
	}

	decision := fetchIncomingDecision(context.Background(), s.deps.IncomingCallbackURL, sid, callerPhone, calleePhone)
	switch decision.Action {
	case "reject":
		code := decision.StatusCode
		if code == 0 {
			code = 603
		}
		res := sip.NewResponseFromRequest(req, sip.StatusCode(code), "Rejected", nil)
		_ = tx.Respond(res)
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, rejectStatus(code))
		}
		return nil
	case "ignore":
		return nil
	}

	offer, err := parseOffer(req.Body())
	if err != nil {
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		_ = tx.Respond(res)
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("parse sdp offer: %w", err)
	}

	conn, err := s.ports.Allocate()
	if err != nil {
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		_ = tx.Respond(res)
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("allocate rtp port: %w", err)
	}

	localIP, err := resolveAdvertisedIP(s.deps.STUNServer, s.deps.TURNServer, s.deps.TURNUsername, s.deps.TURNPassword)
	if err != nil {
		conn.Close()
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("resolve advertised ip: %w", err)
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	answer, err := buildAnswer(localIP, localPort, offer.Codec)
	if err != nil {
		conn.Close()
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("build sdp answer: %w", err)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		conn.Close()
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("respond 200 ok: %w", err)
	}
	if s.deps.Registry != nil {
		_ = s.deps.Registry.SetStatus(sid, "answered")
	}

	media := newMediaConn(conn, offer.RemoteAddr, offer.Codec, randomSSRC())
	defer media.Close()

	return s.bridge(req, sid, sipCallID, media, false, nil)
}

// bridge runs the pre-call sequence and steady state once the SDP
// exchange has completed and ACK is expected imminently, mirroring
// wsmedia.Serve's flow with the telephony transport swapped for RTP.
// outbound/dialogResp distinguish the outbound case, where in-dialog
// follow-up requests (BYE, REFER) must be built without swapping From/To.
func (s *Server) bridge(req *sip.Request, sid, sipCallID string, media *mediaConn, outbound bool, dialogResp *sip.Response) error {
	ctx := context.Background()

	callerPhone := ""
	if from := req.From(); from != nil {
		callerPhone = from.Address.User
	}
	normalized := phone.NormalizeWithTrunkCode(callerPhone, s.deps.TrunkCountryCode)
	restaurantID := s.deps.RestaurantID

	if !outbound && s.deps.API.CheckBlocked(ctx, restaurantID, normalized) {
		logger.Log.Info("blocked caller, rejecting sip call", zap.String("restaurant_id", restaurantID))
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return nil
	}

	call := callctx.New(restaurantID, normalized)
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	metrics.CallsTotal.WithLabelValues("sip", direction).Inc()
	metrics.ActiveCalls.Inc()
	defer metrics.ActiveCalls.Dec()

	cfg, err := s.deps.API.GetAIConfig(ctx, restaurantID, normalized)
	var vadCfg aisession.Config
	var toolSchemas []map[string]interface{}
	returningCustomer := false
	customerName := ""
	if err != nil {
		logger.Log.Warn("ai config fetch failed, using fallback apology prompt", zap.Error(err))
		vadCfg = s.deps.VAD
		vadCfg.SystemPrompt = "Apologize that the system is temporarily unavailable and offer to take a message."
	} else {
		call.AvgPrepTimeMin = cfg.AvgPrepTimeMin
		call.DeliveryEnabled = cfg.DeliveryEnabled
		for id, item := range cfg.ItemMap {
			call.ItemMap[id] = item
		}
		if cfg.CustomerContext != nil {
			returningCustomer = true
			customerName = cfg.CustomerContext.FirstName
			call.CustomerID = cfg.CustomerContext.CustomerID
		}
		vadCfg = s.deps.VAD
		vadCfg.Voice = cfg.Voice
		vadCfg.SystemPrompt = cfg.SystemPrompt
		toolSchemas = cfg.Tools
	}
	vadCfg.Endpoint = s.deps.AIEndpoint
	vadCfg.APIKey = s.deps.AIAPIKey
	vadCfg.Tools = toolSchemas

	callRec, err := s.deps.API.CreateCall(ctx, apiclient.CreateCallRequest{
		RestaurantID: restaurantID,
		CallerNumber: normalized,
		CustomerID:   call.CustomerID,
		StartedAt:    call.StartedAt,
	})
	if err != nil {
		logger.Log.Error("create call record failed", zap.Error(err))
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return err
	}
	call.AssignCallID(callRec.ID)

	runCtx, cancelRun := context.WithCancel(ctx)
	activeHangups.store(sipCallID, cancelRun)
	defer activeHangups.delete(sipCallID)
	if s.deps.Registry != nil {
		s.deps.Registry.Register(callRec.ID, cancelRun)
		defer s.deps.Registry.Unregister(callRec.ID)
		s.deps.Registry.AttachCancel(sid, cancelRun)
	}
	defer cancelRun()

	sess := &callSession{
		server:     s,
		sid:        sid,
		call:       call,
		media:      media,
		req:        req,
		outbound:   outbound,
		dialogResp: dialogResp,
	}

	if s.deps.Registry != nil {
		s.deps.Registry.AttachXfer(sid, sess.sendRefer)
		_ = s.deps.Registry.SetStatus(sid, "active")
	}

	aiSess, err := aisession.Connect(ctx, vadCfg, sess.buildCallbacks())
	if err != nil {
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("connect ai session: %w", err)
	}
	sess.ai = aiSess
	defer sess.finalize(ctx)

	sess.dispatcher = dispatch.New(s.deps.API, call, aiSess)

	if err := aiSess.Bootstrap(returningCustomer, customerName); err != nil {
		if s.deps.Registry != nil {
			_ = s.deps.Registry.SetStatus(sid, "failed")
		}
		return fmt.Errorf("bootstrap ai session: %w", err)
	}

	return sess.runSteadyState(runCtx)
}

// callSession is the SIP-side counterpart of wsmedia.Session: same AI
// callback wiring, RTP/AudioPort instead of the telephony JSON framing.
type callSession struct {
	server *Server
	sid    string
	call   *callctx.Context
	ai     *aisession.Session
	media  *mediaConn
	req    *sip.Request

	outbound   bool
	dialogResp *sip.Response

	dispatcher *dispatch.Dispatcher
	audio      AudioPort

	lastAssistantID string
}

func (s *callSession) runSteadyState(parent context.Context) error {
	maxDuration := time.Duration(s.server.deps.MaxCallDurationSec) * time.Second
	if maxDuration == 0 {
		maxDuration = defaultMaxCallDurationSec * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, maxDuration)
	defer cancel()

	errCh := make(chan error, 4)
	go func() { errCh <- s.media.readLoop(ctx, &s.audio) }()
	go func() { errCh <- s.media.writeLoop(ctx, &s.audio, s.onMark) }()
	go func() { errCh <- s.forwardInbound(ctx) }()
	go func() { errCh <- s.ai.Run(ctx) }()

	err := <-errCh
	cancel()
	<-errCh
	<-errCh
	<-errCh

	s.sendBye()
	if s.server.deps.Registry != nil {
		// A transfer or an explicit DELETE may already have moved this
		// record to a terminal status; SetStatus rejects the second
		// transition silently (§8 invariant 1: exactly one terminal hop).
		_ = s.server.deps.Registry.SetStatus(s.sid, "completed")
	}

	if ctx.Err() == context.DeadlineExceeded {
		logger.Log.Info("sip call duration watchdog fired")
		return nil
	}
	return err
}

// forwardInbound drains the AudioPort's rxQueue at the RTP frame rate and
// hands each frame to the AI session as base64 µ-law, smoothing jitter in
// packet arrival from the network read loop.
func (s *callSession) forwardInbound(ctx context.Context) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame, ok := s.audio.PopInbound()
			if !ok {
				continue
			}
			if err := s.ai.SendAudio(base64.StdEncoding.EncodeToString(frame)); err != nil {
				return fmt.Errorf("forward audio to ai: %w", err)
			}
		}
	}
}

func (s *callSession) buildCallbacks() aisession.Callbacks {
	return aisession.Callbacks{
		OnAudioDelta: func(payloadBase64 string) {
			decoded, err := base64.StdEncoding.DecodeString(payloadBase64)
			if err != nil {
				return
			}
			s.audio.AppendOutbound(decoded)
		},
		OnAudioDone: func() {
			s.audio.QueueMark("responsePart")
		},
		OnAssistantTranscript: func(content string) {
			s.call.AppendTranscript("assistant", content)
			s.call.SetFlag(func(f *callctx.Flags) { f.HadConversation = true })
		},
		OnUserTranscript: func(content string) {
			s.call.AppendTranscript("user", content)
			s.call.SetFlag(func(f *callctx.Flags) { f.HadConversation = true })
		},
		OnSpeechStarted: func() {
			elapsed := s.audio.TxElapsedMs()
			s.audio.Clear()
			if s.lastAssistantID != "" {
				_ = s.ai.SendTruncate(s.lastAssistantID, elapsed)
			}
		},
		OnAssistantItemAdded: func(itemID string) {
			s.lastAssistantID = itemID
		},
		OnFunctionCall: func(callID, name, arguments string) {
			s.dispatcher.Handle(context.Background(), callID, name, arguments)
		},
		OnError: func(message string) {
			logger.Log.Warn("sip ai session error", zap.String("message", message))
		},
	}
}

// onMark fires once the RTP sender has actually emitted the mark's byte
// offset (§4.G deferred-mark protocol), and starts the graceful hangup if
// end_call has latched. wsmedia does not wait for a mark acknowledgement:
// it starts its hangup directly on response.audio.done.
func (s *callSession) onMark(name string) {
	if s.call.Flags().ShouldHangup {
		go s.gracefulHangup()
	}
}

func (s *callSession) gracefulHangup() {
	delay := time.Duration(s.server.deps.HangupDelayMs) * time.Millisecond
	if delay == 0 {
		delay = defaultHangupDelayMs * time.Millisecond
	}
	time.Sleep(delay)
	callID := ""
	if h := s.req.CallID(); h != nil {
		callID = h.Value()
	}
	if cancel, ok := activeHangups.load(callID); ok {
		cancel()
	}
}

func (s *callSession) finalize(ctx context.Context) {
	if s.call == nil {
		return
	}
	if err := s.call.Finalize(ctx, s.server.deps.API); err != nil {
		logger.Log.Error("finalize sip call failed", zap.Error(err))
		return
	}
	if s.server.deps.Archive != nil {
		s.server.deps.Archive.Archive(ctx, s.call)
	}
}

// sendBye tears down the dialog from our side on any steady-state exit
// that the remote party did not itself initiate with a BYE/CANCEL.
func (s *callSession) sendBye() {
	var bye *sip.Request
	if s.outbound {
		bye = buildForwardDialogRequest(sip.BYE, s.req, s.dialogResp, 2)
	} else {
		bye = buildReverseDialogBYE(s.req)
	}
	if err := s.server.client.WriteRequest(bye); err != nil {
		logger.Log.Warn("sip: failed to send bye", zap.Error(err))
	}
}

// sendRefer implements blind transfer (§4.G xferCall): a REFER to
// destination, with no NOTIFY/sipfrag follow-up tracked.
func (s *callSession) sendRefer(destination string) error {
	var refer *sip.Request
	var err error
	if s.outbound {
		refer = buildForwardDialogRequest(sip.REFER, s.req, s.dialogResp, 3)
		if err = appendReferTo(refer, destination); err != nil {
			return err
		}
	} else {
		refer, err = buildReverseDialogREFER(s.req, destination)
		if err != nil {
			return err
		}
	}

	tx, err := s.server.client.TransactionRequest(context.Background(), refer)
	if err != nil {
		return fmt.Errorf("send refer: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp == nil || int(resp.StatusCode) >= 300 {
			return fmt.Errorf("refer rejected")
		}
		return nil
	case <-tx.Done():
		return fmt.Errorf("refer transaction terminated without response")
	}
}

// buildReverseDialogBYE constructs a BYE from the callee (us) to the
// caller, swapping From/To relative to the original INVITE, adapted from
// the teacher's dialog-teardown pattern for the UAS-initiated case.
func buildReverseDialogBYE(inviteReq *sip.Request) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if h := inviteReq.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := inviteReq.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetSource(inviteReq.Source())

	return bye
}

// buildReverseDialogREFER mirrors buildReverseDialogBYE for a blind
// transfer sent from the callee (us) back to the caller (§4.G xferCall).
func buildReverseDialogREFER(inviteReq *sip.Request, destination string) (*sip.Request, error) {
	recipient := &inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	refer := sip.NewRequest(sip.REFER, *recipient.Clone())
	refer.SipVersion = inviteReq.SipVersion

	if h := inviteReq.To(); h != nil {
		fromHeader := h.AsFrom()
		refer.AppendHeader(&fromHeader)
	}
	if h := inviteReq.From(); h != nil {
		toHeader := h.AsTo()
		refer.AppendHeader(&toHeader)
	}
	if h := inviteReq.CallID(); h != nil {
		refer.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.REFER}
	refer.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	refer.AppendHeader(&maxFwd)

	refer.SetTransport(inviteReq.Transport())
	refer.SetSource(inviteReq.Source())

	if err := appendReferTo(refer, destination); err != nil {
		return nil, err
	}
	return refer, nil
}

// buildForwardDialogRequest builds an in-dialog request (BYE/REFER) from
// the side that originated the INVITE (us, on an outbound call) back
// toward the far end: unlike the reverse-dialog builders above, From/To
// are copied as-is rather than swapped, and To carries the tag the far
// end assigned in its final response.
func buildForwardDialogRequest(method sip.RequestMethod, invite *sip.Request, resp *sip.Response, cseq uint32) *sip.Request {
	recipient := invite.Recipient
	if resp != nil {
		if contact := resp.Contact(); contact != nil {
			recipient = contact.Address
		}
	}

	req := sip.NewRequest(method, recipient)
	req.SipVersion = invite.SipVersion

	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	toHeader := invite.To()
	if resp != nil {
		if respTo := resp.To(); respTo != nil {
			toHeader = respTo
		}
	}
	if toHeader != nil {
		req.AppendHeader(sip.HeaderClone(toHeader))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(invite.Transport())
	req.SetSource(invite.Source())

	return req
}

func appendReferTo(req *sip.Request, destination string) error {
	var referToURI sip.Uri
	if err := sip.ParseUri(normalizeReferTarget(destination), &referToURI); err != nil {
		return fmt.Errorf("parse refer-to target: %w", err)
	}
	req.AppendHeader(sip.NewHeader("Refer-To", referToURI.String()))
	return nil
}

func normalizeReferTarget(destination string) string {
	if strings.Contains(destination, ":") {
		return destination
	}
	return "sip:" + destination
}

func randomSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
