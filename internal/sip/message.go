package sip

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// maxHeaderBytes caps the header block of a single framed message so a
// misbehaving peer cannot grow the read buffer without bound.
const maxHeaderBytes = 16 << 10

// writeTimeout bounds any single message write on a dialog or listener
// connection.
const writeTimeout = 5 * time.Second

var parser = sip.NewParser()

// ReadMessage reads one SIP message from a TCP stream: a header block
// terminated by a blank line, then a body of exactly Content-Length
// bytes. Bare CRLF keep-alives between messages are skipped.
func ReadMessage(br *bufio.Reader) ([]byte, error) {
	var raw bytes.Buffer
	contentLength := 0

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if raw.Len() == 0 {
				continue // keep-alive CRLF before any message
			}
			raw.WriteString(line)
			break
		}
		raw.WriteString(line)
		if raw.Len() > maxHeaderBytes {
			return nil, fmt.Errorf("sip header block exceeds %d bytes", maxHeaderBytes)
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return nil, fmt.Errorf("bad content-length %q: %w", value, err)
				}
				contentLength = n
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("reading %d-byte sip body: %w", contentLength, err)
		}
		raw.Write(body)
	}
	return raw.Bytes(), nil
}

// Parse decodes one framed SIP message.
func Parse(data []byte) (sip.Message, error) {
	return parser.ParseSIP(data)
}

// Marshal renders a SIP message for the wire. Content-Length is always
// computed from the actual body, replacing whatever the builder attached.
func Marshal(msg sip.Message) []byte {
	var b bytes.Buffer
	var headers []sip.Header
	var body []byte
	switch m := msg.(type) {
	case *sip.Request:
		b.WriteString(m.Method.String() + " " + m.Recipient.String() + " SIP/2.0\r\n")
		headers = m.Headers()
		body = m.Body()
	case *sip.Response:
		fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", m.StatusCode, m.Reason)
		headers = m.Headers()
		body = m.Body()
	}
	for _, h := range headers {
		if strings.EqualFold(h.Name(), "Content-Length") {
			continue
		}
		b.WriteString(h.String() + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// WriteMessage marshals and writes one message under a write deadline.
func WriteMessage(conn net.Conn, msg sip.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(Marshal(msg)); err != nil {
		return fmt.Errorf("writing sip message: %w", err)
	}
	return nil
}
