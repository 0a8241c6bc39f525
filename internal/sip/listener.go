package sip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// InviteHandler is invoked, on its own goroutine, for each inbound
// INVITE. The handler owns answering the INVITE; the listener never
// answers INVITEs itself, only OPTIONS and BYE.
type InviteHandler func(call *InboundCall)

// Listener accepts carrier-initiated TCP connections and demultiplexes
// the SIP requests on them: OPTIONS keepalives and BYEs are
// answered in place, INVITEs are handed to the configured handler.
type Listener struct {
	addr     string
	registry *Registry
	handler  InviteHandler
	logger   *slog.Logger

	ln     net.Listener
	closed atomic.Bool
}

// NewListener creates a listener for addr. Start must be called before
// any connection is accepted.
func NewListener(addr string, registry *Registry, handler InviteHandler, logger *slog.Logger) *Listener {
	return &Listener{
		addr:     addr,
		registry: registry,
		handler:  handler,
		logger:   logger.With("subsystem", "sip-listener"),
	}
}

// Start binds the listen address and launches the accept loop.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("binding sip listener on %s: %w", l.addr, err)
	}
	l.ln = ln
	l.logger.Info("sip listener started", "addr", l.addr)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when the configured
// port is 0.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting. Connections already being served drain on
// their own.
func (l *Listener) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	if l.ln != nil {
		l.ln.Close()
	}
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.closed.Load() {
				l.logger.Error("accept failed", "error", err)
			}
			return
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	br := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}

	for {
		data, err := ReadMessage(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.closed.Load() {
				l.logger.Debug("inbound connection ended", "peer", peer.String(), "error", err)
			}
			return
		}
		msg, err := Parse(data)
		if err != nil {
			l.logger.Warn("unparsable sip message", "peer", peer.String(), "error", err)
			continue
		}
		req, ok := msg.(*sip.Request)
		if !ok {
			continue
		}

		switch req.Method {
		case sip.OPTIONS:
			l.respond(conn, writeMu, req, 200, "OK")

		case sip.BYE:
			callID := ""
			if h := req.CallID(); h != nil {
				callID = h.Value()
			}
			if l.registry.Fire(callID) {
				l.logger.Info("bye routed to call", "call_id", callID, "peer", peer.String())
			} else {
				l.logger.Info("bye for unknown call", "call_id", callID, "peer", peer.String())
			}
			// Acknowledged regardless; the carrier retransmits otherwise.
			l.respond(conn, writeMu, req, 200, "OK")

		case sip.INVITE:
			call := &InboundCall{
				Invite:  req,
				Remote:  peer,
				conn:    conn,
				writeMu: writeMu,
			}
			l.logger.Info("invite received", "call_id", call.CallID(), "peer", peer.String())
			go l.handler(call)

		case sip.ACK:
			l.logger.Debug("ack received", "peer", peer.String())

		default:
			l.respond(conn, writeMu, req, 501, "Not Implemented")
		}
	}
}

func (l *Listener) respond(conn net.Conn, writeMu *sync.Mutex, req *sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := WriteMessage(conn, res); err != nil {
		l.logger.Debug("response write failed", "error", err)
	}
}
