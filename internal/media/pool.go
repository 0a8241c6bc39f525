package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPortsExhausted is returned by Acquire when every port in the
// configured range is allocated to a live call.
var ErrPortsExhausted = errors.New("rtp port pool exhausted")

// PortPool hands out even-numbered UDP ports for per-call RTP sockets.
// The odd successor of each port stays free for a companion control
// channel, so the pool only tracks even numbers. Acquire always returns
// the lowest free port so port usage stays predictable under churn.
type PortPool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
}

// NewPortPool creates a pool covering [portMin, portMax]. Both bounds
// must be even, matching the config layer's contract, and portMax must
// be greater than portMin.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax%2 != 0 {
		return nil, fmt.Errorf("portMax must be even, got %d", portMax)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "port-pool")
	p := &PortPool{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
	}
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", p.Capacity(),
	)
	return p, nil
}

// Capacity returns the total number of ports the pool can hand out.
func (p *PortPool) Capacity() int {
	return (p.portMax-p.portMin)/2 + 1
}

// InUse returns the number of currently allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Acquire removes and returns the lowest free port. It returns
// ErrPortsExhausted when the range is fully allocated; callers must not
// bind a socket in that case.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.portMin; port <= p.portMax; port += 2 {
		if _, taken := p.allocated[port]; taken {
			continue
		}
		p.allocated[port] = struct{}{}
		p.logger.Debug("port acquired", "port", port, "in_use", len(p.allocated))
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the free set. The orchestrator's single-exit
// cleanup guarantees a port is never released twice for the same call.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, taken := p.allocated[port]; !taken {
		p.logger.Warn("release of port not currently allocated", "port", port)
		return
	}
	delete(p.allocated, port)
	p.logger.Debug("port released", "port", port, "in_use", len(p.allocated))
}
