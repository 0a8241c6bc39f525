// Package bridge ties a SIP call leg to a conferencing session: it owns
// the per-call lifecycle from port allocation through signaling and
// media flow to the ordered teardown, for both call directions.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipbridge/sipbridge/internal/cdr"
	"github.com/sipbridge/sipbridge/internal/dispatch"
	"github.com/sipbridge/sipbridge/internal/media"
	"github.com/sipbridge/sipbridge/internal/room"
	"github.com/sipbridge/sipbridge/internal/sip"
)

// Hangup reasons recorded in logs and CDRs. The first signal to fire
// wins; teardown runs exactly once per call.
const (
	ReasonRoomDisconnected = "room_disconnected"
	ReasonByeOutbound      = "sip_bye_outbound_tcp"
	ReasonByeInbound       = "sip_bye_inbound_tcp"
	ReasonNoRTP            = "no_rtp_after_answer"
	ReasonRTPSilence       = "rtp_silence_after_flow"
	ReasonInviteFailed     = "invite_failed"
	ReasonShutdown         = "bridge_shutdown"
)

// EventTopic is the data topic call lifecycle events are published on
// inside the conferencing session.
const EventTopic = "sip_bridge_events"

// CallState is the coarse per-call lifecycle phase.
type CallState int32

const (
	CallAllocating CallState = iota
	CallSignaling
	CallBridging
	CallTerminating
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallAllocating:
		return "allocating"
	case CallSignaling:
		return "signaling"
	case CallBridging:
		return "bridging"
	case CallTerminating:
		return "terminating"
	case CallClosed:
		return "closed"
	}
	return "unknown"
}

// Config carries the orchestrator's signaling and media identity plus
// the call health timeouts. A zero timeout disables that check.
type Config struct {
	CarrierAddr string
	SIPDomain   string
	CallerID    string
	SIPUsername string
	SIPPassword string

	PublicSIPIP   string
	SIPPort       int
	PublicMediaIP string

	// NoRTPGrace is how long after answer to wait for the first inbound
	// RTP packet before giving up on the call.
	NoRTPGrace time.Duration
	// RTPSilenceTimeout ends a call whose inbound RTP stops after it had
	// been flowing.
	RTPSilenceTimeout time.Duration

	SIPResponseTimeout time.Duration
}

// Orchestrator runs calls. It is safe for concurrent use; each call gets
// its own dialog, RTP socket and session handle.
type Orchestrator struct {
	cfg      Config
	pool     *media.PortPool
	registry *sip.Registry
	rooms    room.Client
	resolver dispatch.Resolver
	sessions dispatch.SessionCreator
	cdrs     *cdr.Store
	logger   *slog.Logger

	active atomic.Int64
}

// NewOrchestrator wires the call orchestrator. resolver and sessions are
// only needed for inbound calls and may be nil on an outbound-only
// deployment; cdrs may be nil to disable call records.
func NewOrchestrator(cfg Config, pool *media.PortPool, registry *sip.Registry, rooms room.Client, resolver dispatch.Resolver, sessions dispatch.SessionCreator, cdrs *cdr.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		registry: registry,
		rooms:    rooms,
		resolver: resolver,
		sessions: sessions,
		cdrs:     cdrs,
		logger:   logger.With("subsystem", "orchestrator"),
	}
}

// ActiveCalls returns the number of calls currently running.
func (o *Orchestrator) ActiveCalls() int64 { return o.active.Load() }

// call is the per-call state shared between setup, the monitor and
// teardown. Fields are populated incrementally during setup; teardown
// tolerates whatever subset exists when it runs.
type call struct {
	o      *Orchestrator
	logger *slog.Logger

	direction string
	callID    string
	phone     string
	agentType string
	session   string

	port        int
	bridge      *media.Bridge
	dialog      *sip.Dialog      // outbound legs
	inbound     *sip.InboundCall // inbound legs
	inboundTag  string
	handle      room.Handle
	cancelSub   func()
	cancelMedia context.CancelFunc

	state  atomic.Int32
	start  time.Time
	answer *time.Time

	teardownOnce sync.Once
}

func (c *call) setState(s CallState) { c.state.Store(int32(s)) }

func (c *call) markAnswered() {
	now := time.Now()
	c.answer = &now
	c.setState(CallBridging)
}

// publishAnswered tells the session's other participants that the phone
// leg is live. Delivery is best effort.
func (c *call) publishAnswered() {
	payload, err := json.Marshal(map[string]string{
		"event":     "call_answered",
		"call_id":   c.callID,
		"phone":     c.phone,
		"direction": c.direction,
	})
	if err != nil {
		return
	}
	if err := c.handle.SendEvent(EventTopic, payload); err != nil {
		c.logger.Warn("publishing call_answered event failed", "error", err)
	}
}

// monitor blocks until one of the call-ending signals fires and returns
// the hangup reason. byeInbound is the listener registry channel for
// this Call-ID; byeDialog is non-nil only on outbound legs.
func (c *call) monitor(ctx context.Context, byeDialog, byeInbound <-chan struct{}) string {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	answered := time.Now()
	if c.answer != nil {
		answered = *c.answer
	}

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-c.handle.ConnectionLost():
			return ReasonRoomDisconnected
		case <-byeDialog:
			return ReasonByeOutbound
		case <-byeInbound:
			return ReasonByeInbound
		case <-ticker.C:
			since, ever := c.bridge.SinceLastRx()
			if !ever {
				if c.o.cfg.NoRTPGrace > 0 && time.Since(answered) > c.o.cfg.NoRTPGrace {
					return ReasonNoRTP
				}
			} else if c.o.cfg.RTPSilenceTimeout > 0 && since > c.o.cfg.RTPSilenceTimeout {
				return ReasonRTPSilence
			}
		}
	}
}

// teardown releases everything the call holds, once, in a fixed order:
// stop feeding and reading media, hang up signaling (unless the far end
// already did), close the RTP socket, leave the session, then return the
// port, drop the Call-ID registration and write the CDR.
func (c *call) teardown(reason string) {
	c.teardownOnce.Do(func() {
		c.setState(CallTerminating)
		c.logger.Info("tearing down call", "reason", reason)

		if c.cancelSub != nil {
			c.cancelSub()
		}
		if c.cancelMedia != nil {
			c.cancelMedia()
		}

		farEndBye := reason == ReasonByeOutbound || reason == ReasonByeInbound
		if c.dialog != nil {
			if !farEndBye {
				if err := c.dialog.SendBye(); err != nil {
					c.logger.Warn("sending bye failed", "error", err)
				}
			}
			c.dialog.Close()
		}
		if c.inbound != nil && !farEndBye && c.answer != nil {
			if err := c.inbound.SendBye(c.inboundTag, c.o.cfg.PublicSIPIP, c.o.cfg.SIPPort); err != nil {
				c.logger.Warn("sending bye failed", "error", err)
			}
		}

		if c.bridge != nil {
			c.bridge.Stop()
		}
		if c.handle != nil {
			if err := c.handle.Close(); err != nil {
				c.logger.Warn("closing session handle failed", "error", err)
			}
		}

		if c.port != 0 {
			c.o.pool.Release(c.port)
		}
		if c.callID != "" {
			c.o.registry.Unregister(c.callID)
		}

		c.writeCDR(reason)
		c.setState(CallClosed)
		c.o.active.Add(-1)
		c.logger.Info("call closed", "reason", reason, "duration", time.Since(c.start).Round(time.Millisecond))
	})
}

func (c *call) writeCDR(reason string) {
	rec := &cdr.Record{
		CallID:       c.callID,
		Direction:    c.direction,
		PhoneNumber:  c.phone,
		AgentType:    c.agentType,
		SessionName:  c.session,
		RTPPort:      c.port,
		StartTime:    c.start,
		AnswerTime:   c.answer,
		EndTime:      time.Now(),
		HangupReason: reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.o.cdrs.Save(ctx, rec); err != nil {
		c.logger.Error("writing cdr failed", "error", err)
	}
}
