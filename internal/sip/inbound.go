package sip

import (
	"net"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// InboundCall is one INVITE arriving on the listener, still bound to the
// TCP connection it came in on so the answering orchestrator can respond
// in-dialog. The listener keeps reading the connection; writes from the
// orchestrator and the listener are serialized through the shared mutex.
type InboundCall struct {
	Invite *sip.Request
	Remote net.Addr

	conn    net.Conn
	writeMu *sync.Mutex
}

// CallID returns the INVITE's Call-ID, or "" if missing.
func (c *InboundCall) CallID() string {
	if h := c.Invite.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// DialedNumber returns the user part of the To URI: the number the
// caller dialed.
func (c *InboundCall) DialedNumber() string {
	if to := c.Invite.To(); to != nil {
		return to.Address.User
	}
	return ""
}

// CallerNumber returns the user part of the From URI.
func (c *InboundCall) CallerNumber() string {
	if from := c.Invite.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// Respond writes a response for this call back on the connection the
// INVITE arrived on.
func (c *InboundCall) Respond(res *sip.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, res)
}

// BuildOK builds the 200 OK answering an inbound INVITE: Via and
// Record-Route sets are echoed back by construction, the To header gets
// our tag, and the SDP answer rides in the body.
func BuildOK(invite *sip.Request, toTag, publicIP string, sipPort int, sdpAnswer []byte) *sip.Response {
	res := sip.NewResponseFromRequest(invite, 200, "OK", sdpAnswer)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", toTag)
	}
	if len(res.GetHeaders("Record-Route")) == 0 {
		for _, h := range invite.GetHeaders("Record-Route") {
			res.AppendHeader(sip.HeaderClone(h))
		}
	}
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bridge", Host: publicIP, Port: sipPort},
	})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return res
}

// SendBye hangs up an answered inbound call from our side. The request
// targets the caller's Contact through the Record-Route set as received,
// with From and To swapped relative to the INVITE. The 200 OK is not
// awaited.
func (c *InboundCall) SendBye(toTag, publicIP string, sipPort int) error {
	invite := c.Invite

	var target sip.Uri
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
		if target.Port == 0 {
			target.Port = 5060
		}
	} else if from := invite.From(); from != nil {
		target = from.Address
	}
	bye := sip.NewRequest(sip.BYE, target)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            publicIP,
		Port:            sipPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	bye.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	for _, h := range invite.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			bye.AppendHeader(&sip.RouteHeader{Address: rr.Address})
		}
	}

	if inviteTo := invite.To(); inviteTo != nil {
		from := &sip.FromHeader{Address: inviteTo.Address, Params: sip.NewParams()}
		from.Params.Add("tag", toTag)
		bye.AppendHeader(from)
	}
	if inviteFrom := invite.From(); inviteFrom != nil {
		to := &sip.ToHeader{Address: inviteFrom.Address, Params: sip.NewParams()}
		if tag, ok := inviteFrom.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		bye.AppendHeader(to)
	}
	if h := invite.CallID(); h != nil {
		callID := sip.CallIDHeader(h.Value())
		bye.AppendHeader(&callID)
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, bye)
}

// BuildResponse builds a bodyless response to an inbound INVITE, used for
// provisionals and non-2xx finals.
func BuildResponse(invite *sip.Request, code int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(invite, code, reason, nil)
}
