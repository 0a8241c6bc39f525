package sip

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestListener(t *testing.T, registry *Registry, handler InviteHandler) (*Listener, net.Conn, *bufio.Reader) {
	t.Helper()
	if handler == nil {
		handler = func(*InboundCall) {}
	}
	l := NewListener("127.0.0.1:0", registry, handler, testLogger())
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return l, conn, bufio.NewReader(conn)
}

func request(method string, callID string, extra string) string {
	return method + " sip:bridge@203.0.113.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 198.51.100.7:5060;branch=z9hG4bK" + callID + "\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:carrier@198.51.100.7>;tag=remote1\r\n" +
		"To: <sip:bridge@203.0.113.5>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 1 " + method + "\r\n" +
		extra +
		"Content-Length: 0\r\n" +
		"\r\n"
}

func readResponse(t *testing.T, conn net.Conn, br *bufio.Reader) *sip.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := msg.(*sip.Response)
	if !ok {
		t.Fatalf("expected a response, got %T", msg)
	}
	return res
}

func TestListenerAnswersOptions(t *testing.T) {
	_, conn, br := startTestListener(t, NewRegistry(), nil)

	if _, err := conn.Write([]byte(request("OPTIONS", "opt-1", ""))); err != nil {
		t.Fatal(err)
	}
	res := readResponse(t, conn, br)
	if res.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if cs := res.CSeq(); cs == nil || cs.MethodName != sip.OPTIONS {
		t.Fatal("response CSeq does not echo OPTIONS")
	}
}

func TestListenerRoutesByeThroughRegistry(t *testing.T) {
	registry := NewRegistry()
	byeCh := registry.Register("bye-call-1")

	_, conn, br := startTestListener(t, registry, nil)

	if _, err := conn.Write([]byte(request("BYE", "bye-call-1", ""))); err != nil {
		t.Fatal(err)
	}

	res := readResponse(t, conn, br)
	if res.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	select {
	case <-byeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("registered channel did not fire")
	}
}

func TestListenerAcceptsByeForUnknownCall(t *testing.T) {
	_, conn, br := startTestListener(t, NewRegistry(), nil)

	if _, err := conn.Write([]byte(request("BYE", "never-registered", ""))); err != nil {
		t.Fatal(err)
	}
	// Still 200, or the carrier would retransmit forever.
	res := readResponse(t, conn, br)
	if res.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestListenerDispatchesInvite(t *testing.T) {
	calls := make(chan *InboundCall, 1)
	_, conn, br := startTestListener(t, NewRegistry(), func(c *InboundCall) {
		calls <- c
		// Answer through the call to prove the shared connection works.
		_ = c.Respond(BuildResponse(c.Invite, 180, "Ringing"))
	})

	invite := "INVITE sip:+15550199@203.0.113.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 198.51.100.7:5060;branch=z9hG4bKinv1\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:+15550123@198.51.100.7>;tag=remote1\r\n" +
		"To: <sip:+15550199@203.0.113.5>\r\n" +
		"Call-ID: inv-call-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(invite)); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-calls:
		if c.CallID() != "inv-call-1" {
			t.Errorf("call-id = %q", c.CallID())
		}
		if c.DialedNumber() != "+15550199" {
			t.Errorf("dialed = %q", c.DialedNumber())
		}
		if c.CallerNumber() != "+15550123" {
			t.Errorf("caller = %q", c.CallerNumber())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	res := readResponse(t, conn, br)
	if res.StatusCode != 180 {
		t.Fatalf("status = %d, want 180", res.StatusCode)
	}
}

func TestListenerRejectsUnknownMethod(t *testing.T) {
	_, conn, br := startTestListener(t, NewRegistry(), nil)

	if _, err := conn.Write([]byte(request("REGISTER", "reg-1", ""))); err != nil {
		t.Fatal(err)
	}
	res := readResponse(t, conn, br)
	if res.StatusCode != 501 {
		t.Fatalf("status = %d, want 501", res.StatusCode)
	}
}

func TestBuildOKShape(t *testing.T) {
	msg, err := Parse([]byte("INVITE sip:+15550199@203.0.113.5 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 198.51.100.7:5060;branch=z9hG4bKok1\r\n" +
		"Record-Route: <sip:proxy.example.com;lr>\r\n" +
		"From: <sip:+15550123@198.51.100.7>;tag=remote1\r\n" +
		"To: <sip:+15550199@203.0.113.5>\r\n" +
		"Call-ID: ok-call-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	invite := msg.(*sip.Request)

	res := BuildOK(invite, "tag-xyz", "203.0.113.5", 5060, []byte("v=0\r\n"))
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	to := res.To()
	if to == nil {
		t.Fatal("no To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "tag-xyz" {
		t.Errorf("to tag = %q, want tag-xyz", tag)
	}
	if len(res.GetHeaders("Record-Route")) != 1 {
		t.Error("Record-Route not echoed")
	}
	if res.Contact() == nil {
		t.Error("no Contact header")
	}

	out := string(Marshal(res))
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Errorf("body length not computed:\n%s", out)
	}
}
