package sipmedia

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
)

const defaultDialTimeout = 60 * time.Second

// PlaceCall originates an outbound SIP INVITE (§4.H POST /api/calls) and,
// once answered, bridges it into an AI session exactly like an inbound
// call, sharing the same CallRecord lifecycle and steady state.
func (s *Server) PlaceCall(ctx context.Context, sid, to, from string, timeoutSec int) error {
	timeout := defaultDialTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}

	conn, err := s.ports.Allocate()
	if err != nil {
		s.failOutbound(sid, err)
		return fmt.Errorf("allocate rtp port: %w", err)
	}

	localIP, err := resolveAdvertisedIP(s.deps.STUNServer, s.deps.TURNServer, s.deps.TURNUsername, s.deps.TURNPassword)
	if err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("resolve advertised ip: %w", err)
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	offerBody, err := buildAnswer(localIP, localPort, payloadTypePCMU)
	if err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("build sdp offer: %w", err)
	}

	invite, err := s.buildOutboundInvite(to, from, offerBody)
	if err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("build invite: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()

	tx, err := s.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("send invite: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-dialCtx.Done():
			_ = s.client.WriteRequest(buildCancelRequest(invite))
			conn.Close()
			status := "no-answer"
			if ctx.Err() != nil {
				status = "cancelled"
			}
			if s.deps.Registry != nil {
				_ = s.deps.Registry.SetStatus(sid, status)
			}
			return fmt.Errorf("invite dial timed out: %w", dialCtx.Err())

		case resp := <-tx.Responses():
			if resp == nil {
				conn.Close()
				s.failOutbound(sid, fmt.Errorf("no response to invite"))
				return fmt.Errorf("invite transaction produced no response")
			}
			code := int(resp.StatusCode)
			switch {
			case code < 200:
				if (code == 180 || code == 183) && s.deps.Registry != nil {
					_ = s.deps.Registry.SetStatus(sid, "ringing")
				}
				continue
			case code < 300:
				return s.onOutboundAnswered(ctx, sid, invite, resp, conn)
			default:
				conn.Close()
				if s.deps.Registry != nil {
					_ = s.deps.Registry.SetStatus(sid, rejectStatus(code))
				}
				return fmt.Errorf("invite rejected: %d %s", code, resp.Reason)
			}

		case <-tx.Done():
			conn.Close()
			s.failOutbound(sid, fmt.Errorf("invite transaction terminated"))
			return fmt.Errorf("invite transaction terminated without final response")
		}
	}
}

// onOutboundAnswered sends the ACK required by RFC 3261 §13.2.2.4 for a 2xx
// response, then bridges the call exactly like an inbound one.
func (s *Server) onOutboundAnswered(ctx context.Context, sid string, invite *sip.Request, resp *sip.Response, conn *net.UDPConn) error {
	if err := s.sendOutboundACK(invite, resp); err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("send ack: %w", err)
	}

	offer, err := parseOffer(resp.Body())
	if err != nil {
		conn.Close()
		s.failOutbound(sid, err)
		return fmt.Errorf("parse sdp answer: %w", err)
	}

	if s.deps.Registry != nil {
		_ = s.deps.Registry.SetStatus(sid, "answered")
	}

	media := newMediaConn(conn, offer.RemoteAddr, offer.Codec, randomSSRC())
	defer media.Close()

	sipCallID := ""
	if h := invite.CallID(); h != nil {
		sipCallID = h.Value()
	}

	return s.bridge(invite, sid, sipCallID, media, true, resp)
}

// sendOutboundACK builds and sends the ACK for a 2xx final response to our
// own INVITE. ACK for 2xx is end-to-end and not part of the INVITE
// transaction (RFC 3261 §17.1.1.3), so it is written directly rather than
// through TransactionRequest.
func (s *Server) sendOutboundACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		if via := resp.Via(); via != nil {
			if received, ok := via.Params.Get("received"); ok {
				rport := via.Port
				if rportStr, ok := via.Params.Get("rport"); ok {
					fmt.Sscanf(rportStr, "%d", &rport)
				}
				destAddr = fmt.Sprintf("%s:%d", received, rport)
			} else {
				destAddr = fmt.Sprintf("%s:%d", via.Host, via.Port)
			}
		}
	}
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	return s.client.WriteRequest(ack)
}

func (s *Server) failOutbound(sid string, err error) {
	logger.Log.Warn("outbound call failed", zap.String("sid", sid), zap.Error(err))
	if s.deps.Registry != nil {
		_ = s.deps.Registry.SetStatus(sid, "failed")
	}
}

// buildOutboundInvite constructs the initial INVITE for PlaceCall, mirroring
// registrar.buildRegister's header-construction style.
func (s *Server) buildOutboundInvite(to, from, sdpBody []byte) (*sip.Request, error) {
	return buildOutboundInviteForTarget(s.deps.SIPDomain, s.deps.SIPUsername, to, from, sdpBody)
}

func buildOutboundInviteForTarget(domain, username, to, from string, sdpBody []byte) (*sip.Request, error) {
	if from == "" {
		from = username
	}

	var targetURI sip.Uri
	target := to
	if domain != "" {
		target = fmt.Sprintf("sip:%s@%s", to, domain)
	} else {
		target = fmt.Sprintf("sip:%s", to)
	}
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, fmt.Errorf("parse destination uri: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, targetURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := sip.Uri{Scheme: "sip", User: from, Host: domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	invite.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: targetURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: fromURI})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(sdpBody)

	return invite, nil
}

func buildCancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)

	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	return cancel
}
