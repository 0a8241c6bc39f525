package room

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sipbridge/sipbridge/internal/media"
)

// GatewayClient joins conferencing sessions through the media gateway's
// WebSocket endpoint. Audio travels as binary frames of little-endian
// 16-bit PCM; events travel as JSON text frames.
type GatewayClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	logger    *slog.Logger
}

// NewGatewayClient builds a client for the gateway at baseURL
// (ws:// or wss://). The key pair signs per-join access tokens.
func NewGatewayClient(baseURL, apiKey, apiSecret string, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger.With("subsystem", "room-client"),
	}
}

// Join connects to the session as identity and returns the live handle.
func (c *GatewayClient) Join(ctx context.Context, session, identity string) (Handle, error) {
	token, err := BuildJoinToken(c.apiKey, c.apiSecret, session, identity, "", 0)
	if err != nil {
		return nil, fmt.Errorf("minting join token: %w", err)
	}

	q := url.Values{}
	q.Set("session", session)
	q.Set("identity", identity)
	q.Set("access_token", token)
	target := c.baseURL + "/rtc?" + q.Encode()

	conn, _, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dialing session gateway: %w", err)
	}

	h := &gatewayHandle{
		conn:   conn,
		logger: c.logger.With("session", session, "identity", identity),
		lost:   make(chan struct{}),
	}
	go h.readLoop()
	h.logger.Info("joined session")
	return h, nil
}

type gatewayHandle struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	cbMu sync.Mutex
	cb   func(media.AudioFrame)

	lost     chan struct{}
	lostOnce sync.Once
	closed   atomic.Bool
}

// readLoop dispatches inbound frames until the connection dies. Binary
// frames are remote audio; text frames are events the bridge does not
// consume and are logged at debug.
func (h *gatewayHandle) readLoop() {
	for {
		data, op, err := wsutil.ReadServerData(h.conn)
		if err != nil {
			if !h.closed.Load() {
				h.logger.Warn("session connection lost", "error", err)
			}
			h.lostOnce.Do(func() { close(h.lost) })
			return
		}
		switch op {
		case ws.OpBinary:
			h.cbMu.Lock()
			cb := h.cb
			h.cbMu.Unlock()
			if cb != nil && len(data) >= 2 {
				cb(media.AudioFrame{
					Samples:    bytesToPCM(data),
					SampleRate: media.SessionSampleRate,
				})
			}
		case ws.OpText:
			h.logger.Debug("gateway event", "payload", string(data))
		}
	}
}

func (h *gatewayHandle) PublishLocalAudioTrack(sampleRate int) (media.FrameSink, error) {
	if sampleRate != media.SessionSampleRate {
		return nil, fmt.Errorf("gateway tracks are %d Hz, got %d", media.SessionSampleRate, sampleRate)
	}
	return &gatewaySink{h: h}, nil
}

func (h *gatewayHandle) OnRemoteAudioTrack(cb func(media.AudioFrame)) (func(), error) {
	h.cbMu.Lock()
	h.cb = cb
	h.cbMu.Unlock()
	cancel := func() {
		h.cbMu.Lock()
		h.cb = nil
		h.cbMu.Unlock()
	}
	return cancel, nil
}

func (h *gatewayHandle) SendEvent(topic string, payload []byte) error {
	msg, err := json.Marshal(map[string]json.RawMessage{
		"topic": json.RawMessage(fmt.Sprintf("%q", topic)),
		"data":  json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientText(h.conn, msg)
}

func (h *gatewayHandle) ConnectionLost() <-chan struct{} { return h.lost }

func (h *gatewayHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.writeMu.Lock()
	h.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(h.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	h.writeMu.Unlock()
	return h.conn.Close()
}

type gatewaySink struct {
	h *gatewayHandle
}

func (s *gatewaySink) WriteFrame(frame media.AudioFrame) error {
	if s.h.closed.Load() {
		return nil
	}
	data := pcmToBytes(frame.Samples)
	s.h.writeMu.Lock()
	defer s.h.writeMu.Unlock()
	s.h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientBinary(s.h.conn, data)
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToPCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
