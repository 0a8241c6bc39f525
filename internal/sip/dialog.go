package sip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sipbridge/sipbridge/internal/media"
)

// DialogState tracks the outbound signaling state machine.
type DialogState int32

const (
	StateIdle DialogState = iota
	StateInviting
	StateRinging
	StateAnswered
	StateFailed
	StateTerminated
)

func (s DialogState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviting:
		return "inviting"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// DialogConfig carries everything needed to place one outbound call.
type DialogConfig struct {
	CarrierAddr string // host:port of the carrier's SIP endpoint
	CallerID    string // user part of the From URI
	Domain      string // domain of the From and To URIs
	PublicIP    string // externally reachable signaling address for Via and Contact
	SIPPort     int    // advertised signaling port
	Username    string // digest auth username; empty disables the auth retry
	Password    string

	// ResponseTimeout bounds the wait for a final INVITE response.
	ResponseTimeout time.Duration
}

// Dialog drives one outbound SIP call over its own TCP connection to
// the carrier.
type Dialog struct {
	cfg    DialogConfig
	logger *slog.Logger

	callID   string
	localTag string
	callee   string

	conn net.Conn
	br   *bufio.Reader

	mu        sync.Mutex
	state     DialogState
	cseq      uint32
	invite    *sip.Request
	inviteOK  *sip.Response
	remoteTag string

	byeCh   chan struct{}
	byeOnce sync.Once
	closed  atomic.Bool
}

// NewDialog prepares a dialog for one call to callee. Nothing is sent
// until Invite.
func NewDialog(cfg DialogConfig, callee string, logger *slog.Logger) *Dialog {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	callID := uuid.NewString()
	return &Dialog{
		cfg:      cfg,
		logger:   logger.With("subsystem", "sip-dialog", "call_id", callID),
		callID:   callID,
		localTag: strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		callee:   callee,
		state:    StateIdle,
		byeCh:    make(chan struct{}),
	}
}

// CallID returns the dialog's Call-ID.
func (d *Dialog) CallID() string { return d.callID }

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialog) setState(s DialogState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// ByeReceived closes when the far end sends a BYE on the dialog's own
// TCP stream. Watch must have been started.
func (d *Dialog) ByeReceived() <-chan struct{} { return d.byeCh }

// Invite connects to the carrier, sends the INVITE carrying sdpOffer,
// and drives the transaction to a final answer. On 200 OK it sends the
// ACK and returns the remote media endpoint parsed from the answer SDP.
// A 401 or 407 is retried once per challenge type with computed
// credentials; any other final failure ends the dialog.
func (d *Dialog) Invite(ctx context.Context, sdpOffer []byte) (media.RtpEndpoint, error) {
	var zero media.RtpEndpoint

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.CarrierAddr)
	if err != nil {
		d.setState(StateFailed)
		return zero, fmt.Errorf("connecting to carrier %s: %w", d.cfg.CarrierAddr, err)
	}
	d.conn = conn
	d.br = bufio.NewReader(conn)
	d.setState(StateInviting)

	req := d.buildInvite(sdpOffer, "", "")
	if err := WriteMessage(d.conn, req); err != nil {
		d.setState(StateFailed)
		return zero, err
	}
	d.logger.Info("invite sent", "callee", d.callee, "carrier", d.cfg.CarrierAddr)

	deadline := time.Now().Add(d.cfg.ResponseTimeout)
	authTried := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			d.setState(StateFailed)
			return zero, err
		}
		msg, err := d.readUntil(deadline)
		if err != nil {
			d.setState(StateFailed)
			return zero, fmt.Errorf("waiting for invite response: %w", err)
		}
		res, ok := msg.(*sip.Response)
		if !ok {
			continue // requests before answer are not part of this transaction
		}
		if cs := res.CSeq(); cs == nil || cs.MethodName != sip.INVITE {
			continue
		}

		switch {
		case res.StatusCode < 200:
			if res.StatusCode == 180 || res.StatusCode == 183 {
				d.setState(StateRinging)
				d.logger.Info("ringing", "status", int(res.StatusCode))
			} else {
				d.logger.Debug("provisional response", "status", int(res.StatusCode))
			}

		case res.StatusCode == 200:
			return d.completeAnswer(req, res)

		case res.StatusCode == 401 || res.StatusCode == 407:
			req, err = d.retryWithAuth(req, res, sdpOffer, authTried)
			if err != nil {
				d.setState(StateFailed)
				return zero, err
			}

		default:
			// ACK the rejection so the carrier stops retransmitting.
			_ = WriteMessage(d.conn, d.buildACK(req, res))
			d.setState(StateFailed)
			return zero, fmt.Errorf("invite rejected: %d %s", int(res.StatusCode), res.Reason)
		}
	}
}

// buildACK builds the ACK completing a final INVITE response. A 2xx ACK
// starts a new transaction: fresh branch, Request-URI from the answer's
// Contact, and the dialog's route set. A failure ACK belongs to the
// INVITE transaction and reuses its branch and Request-URI.
func (d *Dialog) buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	branch := ""
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if contact := res.Contact(); contact != nil {
			recipient = &contact.Address
		}
		branch = sip.GenerateBranch()
	} else if via := invite.Via(); via != nil {
		if b, ok := via.Params.Get("branch"); ok {
			branch = b
		}
	}
	if branch == "" {
		branch = sip.GenerateBranch()
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            d.cfg.PublicIP,
		Port:            d.cfg.SIPPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	ack.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	return ack
}

func (d *Dialog) readUntil(deadline time.Time) (sip.Message, error) {
	for {
		if err := d.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		data, err := ReadMessage(d.br)
		if err != nil {
			return nil, err
		}
		msg, err := Parse(data)
		if err != nil {
			d.logger.Warn("unparsable sip message on dialog stream", "error", err)
			continue
		}
		return msg, nil
	}
}

func (d *Dialog) buildInvite(offer []byte, authHeaderName, authValue string) *sip.Request {
	d.mu.Lock()
	d.cseq++
	cseq := d.cseq
	d.mu.Unlock()

	to := sip.Uri{User: d.callee, Host: d.cfg.Domain}
	req := sip.NewRequest(sip.INVITE, to)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            d.cfg.PublicIP,
		Port:            d.cfg.SIPPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	via.Params.Add("rport", "")
	req.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{
		Address: sip.Uri{User: d.cfg.CallerID, Host: d.cfg.Domain},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: to})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: d.cfg.CallerID, Host: d.cfg.PublicIP, Port: d.cfg.SIPPort},
	})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if authValue != "" {
		req.AppendHeader(sip.NewHeader(authHeaderName, authValue))
	}
	req.SetBody(offer)
	return req
}

// retryWithAuth acknowledges the rejected transaction, computes
// credentials for the challenge, and re-sends the INVITE with a fresh
// branch and the next CSeq. One retry per challenge type.
func (d *Dialog) retryWithAuth(prev *sip.Request, res *sip.Response, offer []byte, tried map[string]bool) (*sip.Request, error) {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if tried[challengeName] {
		return nil, fmt.Errorf("credentials rejected again (%d)", int(res.StatusCode))
	}
	tried[challengeName] = true

	if d.cfg.Username == "" || d.cfg.Password == "" {
		return nil, errors.New("carrier requires auth but no credentials are configured")
	}
	hdr := res.GetHeader(challengeName)
	if hdr == nil {
		return nil, fmt.Errorf("%d response missing %s header", int(res.StatusCode), challengeName)
	}

	if err := WriteMessage(d.conn, d.buildACK(prev, res)); err != nil {
		return nil, err
	}

	cred, err := ComputeDigestResponse("INVITE", prev.Recipient.String(), d.cfg.Username, d.cfg.Password, hdr.Value())
	if err != nil {
		return nil, err
	}

	req := d.buildInvite(offer, credName, cred)
	if err := WriteMessage(d.conn, req); err != nil {
		return nil, err
	}
	d.logger.Info("invite re-sent with credentials", "status", int(res.StatusCode))
	return req, nil
}

func (d *Dialog) completeAnswer(req *sip.Request, res *sip.Response) (media.RtpEndpoint, error) {
	var zero media.RtpEndpoint

	to := res.To()
	if to == nil {
		d.setState(StateFailed)
		return zero, errors.New("200 ok missing To header")
	}
	tag, _ := to.Params.Get("tag")

	// In-dialog requests go to the remote Contact, through the reversed
	// Record-Route set.
	if contact := res.Contact(); contact != nil {
		req.Recipient = contact.Address
		if req.Recipient.Port == 0 {
			req.Recipient.Port = 5060
		}
	}
	for req.RemoveHeader("Route") {
	}
	for _, hdr := range res.GetHeaders("Record-Route") {
		if rr, ok := hdr.(*sip.RecordRouteHeader); ok {
			req.PrependHeader(&sip.RouteHeader{Address: rr.Address})
		}
	}

	d.mu.Lock()
	d.invite, d.inviteOK = req, res
	d.remoteTag = tag
	d.state = StateAnswered
	d.mu.Unlock()

	if err := WriteMessage(d.conn, d.buildACK(req, res)); err != nil {
		return zero, err
	}

	sd, err := media.ParseSDP(res.Body())
	if err != nil {
		return zero, fmt.Errorf("parsing sdp answer: %w", err)
	}
	ep, err := sd.RemoteEndpoint()
	if err != nil {
		return zero, err
	}
	d.logger.Info("call answered", "remote_tag", tag, "remote_media", ep.String())
	return ep, nil
}

// Watch consumes the dialog's TCP stream after answer. An in-dialog BYE
// is answered with 200 OK and closes ByeReceived; the goroutine exits
// when the connection closes.
func (d *Dialog) Watch() {
	go func() {
		for {
			if d.closed.Load() {
				return
			}
			if err := d.conn.SetReadDeadline(time.Time{}); err != nil {
				return
			}
			data, err := ReadMessage(d.br)
			if err != nil {
				return
			}
			msg, err := Parse(data)
			if err != nil {
				d.logger.Warn("unparsable sip message on dialog stream", "error", err)
				continue
			}
			req, ok := msg.(*sip.Request)
			if !ok {
				continue // e.g. retransmitted 200 OK
			}
			switch req.Method {
			case sip.BYE:
				_ = WriteMessage(d.conn, sip.NewResponseFromRequest(req, 200, "OK", nil))
				d.setState(StateTerminated)
				d.byeOnce.Do(func() { close(d.byeCh) })
				d.logger.Info("bye received on dialog stream")
				return
			case sip.OPTIONS:
				_ = WriteMessage(d.conn, sip.NewResponseFromRequest(req, 200, "OK", nil))
			default:
				d.logger.Debug("ignoring in-dialog request", "method", string(req.Method))
			}
		}
	}()
}

// SendBye terminates an answered dialog. The 200 OK is not awaited;
// teardown proceeds regardless of whether the carrier answers.
func (d *Dialog) SendBye() error {
	d.mu.Lock()
	if d.state != StateAnswered || d.invite == nil || d.inviteOK == nil {
		d.mu.Unlock()
		return nil
	}
	invite, inviteOK := d.invite, d.inviteOK
	d.cseq++
	cseq := d.cseq
	d.state = StateTerminated
	d.mu.Unlock()

	bye := sip.NewRequest(sip.BYE, invite.Recipient)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            d.cfg.PublicIP,
		Port:            d.cfg.SIPPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	bye.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	for _, h := range invite.GetHeaders("Route") {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if from := invite.From(); from != nil {
		bye.AppendHeader(sip.HeaderClone(from))
	}
	if to := inviteOK.To(); to != nil {
		bye.AppendHeader(sip.HeaderClone(to))
	}
	callID := sip.CallIDHeader(d.callID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})

	if err := WriteMessage(d.conn, bye); err != nil {
		return err
	}
	d.logger.Info("bye sent")
	return nil
}

// Close tears down the TCP connection. Safe to call more than once and
// before Invite.
func (d *Dialog) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.conn != nil {
		d.conn.Close()
	}
}
