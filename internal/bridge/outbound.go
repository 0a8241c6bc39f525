package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sipbridge/sipbridge/internal/media"
	"github.com/sipbridge/sipbridge/internal/sip"
)

// RunOutbound places one call to phone and bridges it into the named
// conferencing session. It blocks for the lifetime of the call and
// returns once teardown is complete; the error covers setup failures,
// not the eventual hangup reason.
func (o *Orchestrator) RunOutbound(ctx context.Context, phone, agentType, sessionName string) error {
	c := &call{
		o:         o,
		direction: "outbound",
		phone:     phone,
		agentType: agentType,
		session:   sessionName,
		start:     time.Now(),
	}
	o.active.Add(1)
	c.setState(CallAllocating)

	port, err := o.pool.Acquire()
	if err != nil {
		c.logger = o.logger.With("direction", "outbound", "phone", phone)
		c.teardown(ReasonInviteFailed)
		return fmt.Errorf("acquiring rtp port: %w", err)
	}
	c.port = port

	dlg := sip.NewDialog(sip.DialogConfig{
		CarrierAddr:     o.cfg.CarrierAddr,
		CallerID:        o.cfg.CallerID,
		Domain:          o.cfg.SIPDomain,
		PublicIP:        o.cfg.PublicSIPIP,
		SIPPort:         o.cfg.SIPPort,
		Username:        o.cfg.SIPUsername,
		Password:        o.cfg.SIPPassword,
		ResponseTimeout: o.cfg.SIPResponseTimeout,
	}, phone, o.logger)
	c.dialog = dlg
	c.callID = dlg.CallID()
	c.logger = o.logger.With("direction", "outbound", "phone", phone, "call_id", c.callID, "session", sessionName)

	// Register before any SIP traffic exists so a BYE routed through the
	// shared listener can never race the call setup.
	byeInbound := o.registry.Register(c.callID)

	brg, err := media.NewBridge(port, c.logger)
	if err != nil {
		c.teardown(ReasonInviteFailed)
		return err
	}
	c.bridge = brg

	handle, err := o.rooms.Join(ctx, sessionName, "sip-"+phone)
	if err != nil {
		c.teardown(ReasonInviteFailed)
		return fmt.Errorf("joining session %s: %w", sessionName, err)
	}
	c.handle = handle

	sink, err := handle.PublishLocalAudioTrack(media.SessionSampleRate)
	if err != nil {
		c.teardown(ReasonInviteFailed)
		return fmt.Errorf("publishing audio track: %w", err)
	}
	cancelSub, err := handle.OnRemoteAudioTrack(func(frame media.AudioFrame) {
		if err := brg.SendFrame(frame); err != nil {
			c.logger.Debug("forwarding agent frame failed", "error", err)
		}
	})
	if err != nil {
		c.teardown(ReasonInviteFailed)
		return fmt.Errorf("subscribing to agent audio: %w", err)
	}
	c.cancelSub = cancelSub

	mediaCtx, cancelMedia := context.WithCancel(ctx)
	c.cancelMedia = cancelMedia
	brg.Start(mediaCtx, sink)

	// Agent audio is already buffering in the bridge while the carrier
	// rings; it flushes to the phone the moment the answer arrives.
	c.setState(CallSignaling)
	offer := media.BuildSDP(o.cfg.PublicMediaIP, port, media.OfferPayloadTypes())
	remote, err := dlg.Invite(ctx, offer)
	if err != nil {
		c.teardown(ReasonInviteFailed)
		return fmt.Errorf("placing call to %s: %w", phone, err)
	}
	if err := brg.SetRemoteEndpoint(remote); err != nil {
		c.teardown(ReasonInviteFailed)
		return err
	}
	dlg.Watch()
	c.markAnswered()
	c.publishAnswered()

	reason := c.monitor(ctx, dlg.ByeReceived(), byeInbound)
	c.teardown(reason)
	return nil
}
