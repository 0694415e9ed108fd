package sipmedia

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/logger"
)

const defaultRegisterIntervalSec = 300

// registrationState is the atomically-cached trunk registration status the
// control plane's GET /health reads (§4.G: "registration state is cached
// atomically for the control plane").
type registrationState struct {
	registered atomic.Bool
	account    atomic.Value
}

func newRegistrationState() *registrationState {
	s := &registrationState{}
	s.account.Store("")
	return s
}

func (s *registrationState) set(registered bool, account string) {
	was := s.registered.Swap(registered)
	s.account.Store(account)
	if was && !registered {
		logger.Log.Error("sip trunk deregistered", zap.String("account", account))
	}
}

func (s *registrationState) get() (bool, string) {
	return s.registered.Load(), s.account.Load().(string)
}

// registrar keeps the SIP trunk's REGISTER binding alive: an initial
// REGISTER, a digest challenge-response handshake, and periodic
// re-registration at the configured interval (§4.G).
type registrar struct {
	client   *sipgo.Client
	domain   string
	username string
	password string
	contact  sip.Uri
	interval time.Duration
	state    *registrationState
}

func newRegistrar(client *sipgo.Client, domain, username, password, listenAddr string, intervalSec int) *registrar {
	if intervalSec <= 0 {
		intervalSec = defaultRegisterIntervalSec
	}
	return &registrar{
		client:   client,
		domain:   domain,
		username: username,
		password: password,
		contact:  contactURI(username, domain, listenAddr),
		interval: time.Duration(intervalSec) * time.Second,
		state:    newRegistrationState(),
	}
}

func contactURI(username, domain, listenAddr string) sip.Uri {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		port = "5060"
	}
	portNum, _ := strconv.Atoi(port)
	return sip.Uri{Scheme: "sip", User: username, Host: domain, Port: portNum}
}

// Run sends an initial REGISTER and then one every interval until ctx is
// cancelled. Transient failures are logged and retried on the next tick
// rather than aborting the loop.
func (r *registrar) Run(ctx context.Context) {
	if r.domain == "" {
		return
	}

	r.registerOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.state.set(false, r.account())
			return
		case <-ticker.C:
			r.registerOnce(ctx)
		}
	}
}

func (r *registrar) account() string {
	return r.username + "@" + r.domain
}

func (r *registrar) registerOnce(ctx context.Context) {
	callID := sip.CallIDHeader(uuid.NewString())

	resp, err := r.send(ctx, r.buildRegister(callID, 1, ""))
	if err != nil {
		logger.Log.Warn("sip register failed", zap.Error(err))
		r.state.set(false, r.account())
		return
	}

	if code := int(resp.StatusCode); code == 401 || code == 407 {
		authHeader, err := r.digestHeader(resp, "REGISTER", fmt.Sprintf("sip:%s", r.domain))
		if err != nil {
			logger.Log.Warn("sip register digest challenge unusable", zap.Error(err))
			r.state.set(false, r.account())
			return
		}
		resp, err = r.send(ctx, r.buildRegister(callID, 2, authHeader))
		if err != nil {
			logger.Log.Warn("sip register (authorized) failed", zap.Error(err))
			r.state.set(false, r.account())
			return
		}
	}

	if resp.StatusCode != 200 {
		logger.Log.Warn("sip register rejected",
			zap.Int("status", int(resp.StatusCode)), zap.String("reason", resp.Reason))
		r.state.set(false, r.account())
		return
	}

	r.state.set(true, r.account())
}

func (r *registrar) buildRegister(callID sip.CallIDHeader, cseq uint32, authHeader string) *sip.Request {
	var registrarURI sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s", r.domain), &registrarURI)

	req := sip.NewRequest(sip.REGISTER, registrarURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	accountURI := sip.Uri{Scheme: "sip", User: r.username, Host: r.domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{Address: accountURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: accountURI, Params: sip.NewParams()})
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: r.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(r.interval.Seconds()))))

	if authHeader != "" {
		name, value, _ := strings.Cut(authHeader, ": ")
		req.AppendHeader(sip.NewHeader(name, value))
	}
	return req
}

func (r *registrar) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp == nil {
			return nil, fmt.Errorf("no response to register")
		}
		return resp, nil
	case <-tx.Done():
		return nil, fmt.Errorf("register transaction terminated without response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// digestHeader computes an RFC 2617 digest credential from a 401/407
// challenge response and returns it as a full header line:
// "Authorization: Digest …", or "Proxy-Authorization: Digest …" for a 407.
func (r *registrar) digestHeader(resp *sip.Response, method, uri string) (string, error) {
	headerName := "WWW-Authenticate"
	authHeaderName := "Authorization"
	if int(resp.StatusCode) == 407 {
		headerName = "Proxy-Authenticate"
		authHeaderName = "Proxy-Authorization"
	}

	hdrs := resp.GetHeaders(headerName)
	if len(hdrs) == 0 {
		return "", fmt.Errorf("challenge missing %s header", headerName)
	}
	challenge := parseDigestChallenge(hdrs[0].Value())
	realm := challenge["realm"]
	nonce := challenge["nonce"]
	qop := firstQop(challenge["qop"])
	if realm == "" || nonce == "" {
		return "", fmt.Errorf("challenge missing realm or nonce")
	}

	nc := "00000001"
	cnonce := uuid.NewString()[:8]
	response := digestResponse(r.username, realm, r.password, method, uri, nonce, qop, nc, cnonce)

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		r.username, realm, nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if opaque := challenge["opaque"]; opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, opaque)
	}

	return authHeaderName + ": " + sb.String(), nil
}

// digestResponse computes the RFC 2617 digest response hash, using the
// qop=auth construction when the challenge offers one.
func digestResponse(username, realm, password, method, uri, nonce, qop, nc, cnonce string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	if qop != "" {
		return md5Hex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))
	}
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func parseDigestChallenge(value string) map[string]string {
	value = strings.TrimPrefix(strings.TrimSpace(value), "Digest ")
	params := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return params
}

// firstQop picks the first offered qop value out of a possibly
// comma/space-separated list (e.g. `qop="auth,auth-int"`).
func firstQop(qop string) string {
	qop = strings.Trim(qop, `"`)
	if qop == "" {
		return ""
	}
	parts := strings.FieldsFunc(qop, func(r rune) bool { return r == ',' || r == ' ' })
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
