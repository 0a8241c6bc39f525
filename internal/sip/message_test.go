package sip

import (
	"bufio"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

const sampleInvite = "INVITE sip:+15550100@carrier.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP 203.0.113.5:5060;branch=z9hG4bKtest\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: <sip:bridge@carrier.example.com>;tag=abc123\r\n" +
	"To: <sip:+15550100@carrier.example.com>\r\n" +
	"Call-ID: test-call-1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"v=0\n"

func TestReadMessageWithBody(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(sampleInvite))
	data, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != sampleInvite {
		t.Fatalf("framed message differs from input:\n%q\nvs\n%q", data, sampleInvite)
	}
}

func TestReadMessageSkipsKeepAlives(t *testing.T) {
	// Carriers send bare CRLF pairs between messages as keep-alives.
	br := bufio.NewReader(strings.NewReader("\r\n\r\n" + sampleInvite))
	data, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "INVITE ") {
		t.Fatalf("message does not start at the request line: %q", data[:20])
	}
}

func TestReadMessageSplitsBackToBack(t *testing.T) {
	ok := "SIP/2.0 200 OK\r\n" +
		"Call-ID: test-call-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	br := bufio.NewReader(strings.NewReader(sampleInvite + ok))

	first, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(first), "INVITE ") {
		t.Error("first framed message is not the INVITE")
	}
	if !strings.HasPrefix(string(second), "SIP/2.0 200") {
		t.Error("second framed message is not the 200 OK")
	}
}

func TestReadMessageRejectsBadContentLength(t *testing.T) {
	bad := "OPTIONS sip:x SIP/2.0\r\nContent-Length: nope\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(bad))
	if _, err := ReadMessage(br); err == nil {
		t.Fatal("expected an error for a non-numeric Content-Length")
	}
}

func TestReadMessageCapsHeaderBlock(t *testing.T) {
	var b strings.Builder
	b.WriteString("OPTIONS sip:x SIP/2.0\r\n")
	for b.Len() < maxHeaderBytes+1024 {
		b.WriteString("X-Filler: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	b.WriteString("\r\n")
	br := bufio.NewReader(strings.NewReader(b.String()))
	if _, err := ReadMessage(br); err == nil {
		t.Fatal("expected an error for an oversized header block")
	}
}

func TestParseRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	if err != nil {
		t.Fatal(err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("parsed %T, want *sip.Request", msg)
	}
	if req.Method != sip.INVITE {
		t.Errorf("method = %s, want INVITE", req.Method)
	}
	if got := req.CallID().Value(); got != "test-call-1" {
		t.Errorf("call-id = %q", got)
	}
	if string(req.Body()) != "v=0\n" {
		t.Errorf("body = %q", req.Body())
	}
}

func TestMarshalComputesContentLength(t *testing.T) {
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "ping", Host: "example.com"})
	callID := sip.CallIDHeader("marshal-test")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.SetBody([]byte("hello sdp"))

	out := string(Marshal(req))
	if !strings.Contains(out, "Content-Length: 9\r\n") {
		t.Fatalf("marshaled message missing computed Content-Length:\n%s", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello sdp") {
		t.Fatalf("body not separated by a blank line:\n%q", out)
	}

	// The output must frame back through our own reader.
	br := bufio.NewReader(strings.NewReader(out))
	data, err := ReadMessage(br)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != out {
		t.Fatal("marshaled message did not survive reframing")
	}
}
