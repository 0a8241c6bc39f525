package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipbridge/sipbridge/internal/media"
	"github.com/sipbridge/sipbridge/internal/sip"
)

// HandleInbound answers one INVITE from the listener: validate the
// offer, pick an agent for the dialed number, provision a session with
// that agent dispatched into it, then answer with our SDP and bridge
// until hangup. Runs on the listener's per-INVITE goroutine and blocks
// for the call's lifetime.
func (o *Orchestrator) HandleInbound(ctx context.Context, ic *sip.InboundCall) {
	logger := o.logger.With("direction", "inbound",
		"call_id", ic.CallID(), "from", ic.CallerNumber(), "to", ic.DialedNumber())

	// Reject unanswerable calls before any resource is allocated.
	sd, err := media.ParseSDP(ic.Invite.Body())
	var remote media.RtpEndpoint
	if err == nil {
		remote, err = sd.RemoteEndpoint()
	}
	if err != nil {
		logger.Warn("rejecting invite with unusable sdp offer", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 488, "Not Acceptable Here"))
		return
	}
	if o.resolver == nil || o.sessions == nil {
		logger.Warn("rejecting invite; inbound calling is not configured")
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		return
	}
	agentType, err := o.resolver.ResolveAgentForNumber(ic.DialedNumber())
	if err != nil {
		logger.Warn("rejecting invite for unknown number", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 404, "Not Found"))
		return
	}

	_ = ic.Respond(sip.BuildResponse(ic.Invite, 100, "Trying"))
	_ = ic.Respond(sip.BuildResponse(ic.Invite, 180, "Ringing"))

	c := &call{
		o:         o,
		logger:    logger,
		direction: "inbound",
		callID:    ic.CallID(),
		phone:     ic.CallerNumber(),
		agentType: agentType,
		inbound:   ic,
		start:     time.Now(),
	}
	o.active.Add(1)
	c.setState(CallAllocating)

	byeInbound := o.registry.Register(c.callID)

	session, err := o.sessions.CreateSessionAndDispatchAgent(ctx, agentType, ic.CallerNumber())
	if err != nil {
		logger.Error("provisioning session failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	c.session = session
	c.logger = logger.With("session", session)

	port, err := o.pool.Acquire()
	if err != nil {
		c.logger.Error("no rtp port for inbound call", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	c.port = port

	brg, err := media.NewBridge(port, c.logger)
	if err != nil {
		c.logger.Error("binding rtp socket failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	c.bridge = brg

	handle, err := o.rooms.Join(ctx, session, "sip-"+ic.CallerNumber())
	if err != nil {
		c.logger.Error("joining session failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	c.handle = handle

	sink, err := handle.PublishLocalAudioTrack(media.SessionSampleRate)
	if err != nil {
		c.logger.Error("publishing audio track failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	cancelSub, err := handle.OnRemoteAudioTrack(func(frame media.AudioFrame) {
		if err := brg.SendFrame(frame); err != nil {
			c.logger.Debug("forwarding agent frame failed", "error", err)
		}
	})
	if err != nil {
		c.logger.Error("subscribing to agent audio failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 503, "Service Unavailable"))
		c.teardown(ReasonInviteFailed)
		return
	}
	c.cancelSub = cancelSub

	mediaCtx, cancelMedia := context.WithCancel(ctx)
	c.cancelMedia = cancelMedia
	brg.Start(mediaCtx, sink)

	if err := brg.SetRemoteEndpoint(remote); err != nil {
		c.logger.Error("setting remote rtp endpoint failed", "error", err)
		_ = ic.Respond(sip.BuildResponse(ic.Invite, 488, "Not Acceptable Here"))
		c.teardown(ReasonInviteFailed)
		return
	}

	c.setState(CallSignaling)
	c.inboundTag = fmt.Sprintf("inbound-%d-%s", port, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	answer := media.BuildSDP(o.cfg.PublicMediaIP, port, media.AnswerPayloadTypes(remote.PayloadType))
	if err := ic.Respond(sip.BuildOK(ic.Invite, c.inboundTag, o.cfg.PublicSIPIP, o.cfg.SIPPort, answer)); err != nil {
		c.logger.Error("sending 200 ok failed", "error", err)
		c.teardown(ReasonInviteFailed)
		return
	}
	c.markAnswered()
	c.logger.Info("inbound call answered", "agent_type", agentType, "rtp_port", port)
	c.publishAnswered()

	reason := c.monitor(ctx, nil, byeInbound)
	c.teardown(reason)
}
