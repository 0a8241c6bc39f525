package bridge

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	sipgo "github.com/emiago/sipgo/sip"

	"github.com/sipbridge/sipbridge/internal/cdr"
	"github.com/sipbridge/sipbridge/internal/dispatch"
	"github.com/sipbridge/sipbridge/internal/media"
	sipmsg "github.com/sipbridge/sipbridge/internal/sip"
)

func inboundFixture(t *testing.T, cfg Config, resolver dispatch.Resolver) (*sipmsg.Listener, *fakeRoomClient, *cdr.Store) {
	t.Helper()
	pool, err := media.NewPortPool(43000, 43020, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store, err := cdr.Open(filepath.Join(t.TempDir(), "cdr.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	rooms := &fakeRoomClient{handle: newFakeHandle()}
	registry := sipmsg.NewRegistry()
	orch := NewOrchestrator(cfg, pool, registry, rooms, resolver, rooms, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	listener := sipmsg.NewListener("127.0.0.1:0", registry, func(call *sipmsg.InboundCall) {
		orch.HandleInbound(ctx, call)
	}, testLogger())
	if err := listener.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(listener.Close)
	return listener, rooms, store
}

func inboundInvite(callID string, sdpPort int) []byte {
	offer := media.BuildSDP("127.0.0.1", sdpPort, []int{media.PayloadTypePCMU, media.PayloadTypeDTMF})
	req := sipgo.NewRequest(sipgo.INVITE, sipgo.Uri{User: "+15550199", Host: "127.0.0.1"})
	via := &sipgo.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sipgo.NewParams(),
	}
	via.Params.Add("branch", sipgo.GenerateBranch())
	req.AppendHeader(via)
	maxFwd := sipgo.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	from := &sipgo.FromHeader{
		Address: sipgo.Uri{User: "+15550123", Host: "carrier.test"},
		Params:  sipgo.NewParams(),
	}
	from.Params.Add("tag", "carrier-inb-1")
	req.AppendHeader(from)
	req.AppendHeader(&sipgo.ToHeader{Address: sipgo.Uri{User: "+15550199", Host: "127.0.0.1"}})
	cid := sipgo.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sipgo.CSeqHeader{SeqNo: 1, MethodName: sipgo.INVITE})
	req.AppendHeader(&sipgo.ContactHeader{Address: sipgo.Uri{User: "carrier", Host: "127.0.0.1", Port: 5060}})
	req.AppendHeader(sipgo.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)
	return sipmsg.Marshal(req)
}

func readFinal(t *testing.T, conn net.Conn, br *bufio.Reader) *sipgo.Response {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		data, err := sipmsg.ReadMessage(br)
		if err != nil {
			t.Fatal(err)
		}
		msg, err := sipmsg.Parse(data)
		if err != nil {
			t.Fatal(err)
		}
		res, ok := msg.(*sipgo.Response)
		if !ok {
			t.Fatalf("expected a response, got %T", msg)
		}
		if res.StatusCode >= 200 {
			return res
		}
	}
}

func TestInboundCallAnsweredAndCallerHangsUp(t *testing.T) {
	cfg := baseConfig("")
	listener, rooms, store := inboundFixture(t, cfg, dispatch.StaticResolver{Default: "support"})

	carrierRTP, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer carrierRTP.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	const callID = "inb-call-1"
	if _, err := conn.Write(inboundInvite(callID, carrierRTP.LocalAddr().(*net.UDPAddr).Port)); err != nil {
		t.Fatal(err)
	}

	ok := readFinal(t, conn, br)
	if ok.StatusCode != 200 {
		t.Fatalf("final response = %d %s", ok.StatusCode, ok.Reason)
	}
	to := ok.To()
	if to == nil {
		t.Fatal("200 OK has no To header")
	}
	if tag, _ := to.Params.Get("tag"); tag == "" {
		t.Error("200 OK has no To tag")
	}

	// The SDP answer must advertise our media address and the caller's
	// offered codec.
	sd, err := media.ParseSDP(ok.Body())
	if err != nil {
		t.Fatal(err)
	}
	ep, err := sd.RemoteEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ep.IP != "127.0.0.1" || ep.PayloadType != media.PayloadTypePCMU {
		t.Errorf("answer endpoint = %s", ep)
	}

	// ACK, then hang up on the same connection; the listener routes the
	// BYE through the Call-ID registry.
	ack := "ACK sip:bridge@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKackinb\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:+15550123@carrier.test>;tag=carrier-inb-1\r\n" +
		"To: <sip:+15550199@127.0.0.1>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 1 ACK\r\n" +
		"Content-Length: 0\r\n\r\n"
	if _, err := conn.Write([]byte(ack)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	bye := "BYE sip:bridge@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKbyeinb\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:+15550123@carrier.test>;tag=carrier-inb-1\r\n" +
		"To: <sip:+15550199@127.0.0.1>\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 2 BYE\r\n" +
		"Content-Length: 0\r\n\r\n"
	if _, err := conn.Write([]byte(bye)); err != nil {
		t.Fatal(err)
	}
	res := readFinal(t, conn, br)
	if res.StatusCode != 200 {
		t.Fatalf("bye response = %d", res.StatusCode)
	}

	// Teardown runs on the handler goroutine; wait for the CDR.
	deadline := time.Now().Add(5 * time.Second)
	var rec *cdr.Record
	for time.Now().Before(deadline) {
		rec, err = store.GetByCallID(context.Background(), callID)
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if rec == nil {
		t.Fatal("no cdr written for the inbound call")
	}
	if rec.Direction != "inbound" {
		t.Errorf("direction = %q", rec.Direction)
	}
	if rec.HangupReason != ReasonByeInbound {
		t.Errorf("hangup reason = %q, want %q", rec.HangupReason, ReasonByeInbound)
	}
	if rec.AgentType != "support" {
		t.Errorf("agent type = %q", rec.AgentType)
	}

	rooms.mu.Lock()
	provisioned := len(rooms.sessions)
	rooms.mu.Unlock()
	if provisioned != 1 {
		t.Errorf("sessions provisioned = %d, want 1", provisioned)
	}
}

func TestInboundCallUnknownNumberRejected(t *testing.T) {
	cfg := baseConfig("")
	listener, _, _ := inboundFixture(t, cfg, dispatch.StaticResolver{Numbers: map[string]string{"+15551111": "sales"}})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	if _, err := conn.Write(inboundInvite("inb-call-404", 40000)); err != nil {
		t.Fatal(err)
	}
	res := readFinal(t, conn, br)
	if res.StatusCode != 404 {
		t.Fatalf("final response = %d, want 404", res.StatusCode)
	}
}

func TestInboundCallBadOfferRejected(t *testing.T) {
	cfg := baseConfig("")
	listener, _, _ := inboundFixture(t, cfg, dispatch.StaticResolver{Default: "support"})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	invite := "INVITE sip:+15550199@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKbadsdp\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:+15550123@carrier.test>;tag=bad1\r\n" +
		"To: <sip:+15550199@127.0.0.1>\r\n" +
		"Call-ID: inb-call-488\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 0\r\n\r\n"
	if _, err := conn.Write([]byte(invite)); err != nil {
		t.Fatal(err)
	}
	res := readFinal(t, conn, br)
	if res.StatusCode != 488 {
		t.Fatalf("final response = %d, want 488", res.StatusCode)
	}
}
