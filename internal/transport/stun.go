package transport

import (
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/koedame/jamlink/internal/jamerr"
)

// stunRetries is how many binding requests are sent before giving up; UDP to
// the STUN server can itself be lossy.
const stunRetries = 3

// DiscoverPublicAddr sends a STUN binding request over the session socket
// and returns the XOR-mapped (public) address. It must run before the
// receiver task starts, since it reads replies directly off the socket.
// The NAT mapping it creates is the one the audio flow will use, which is
// the point of probing from this socket rather than a throwaway one.
func (c *Conn) DiscoverPublicAddr(server string, timeout time.Duration) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, jamerr.Wrap(jamerr.NATTraversalFailed, err)
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buf := make([]byte, maxDatagram)
	perTry := timeout / stunRetries
	if perTry <= 0 {
		perTry = timeout
	}

	defer c.pc.SetReadDeadline(time.Time{}) //nolint:errcheck

	for attempt := 0; attempt < stunRetries; attempt++ {
		if err := c.WriteTo(msg.Raw, raddr); err != nil {
			return nil, jamerr.Wrap(jamerr.NATTraversalFailed, err)
		}
		if err := c.pc.SetReadDeadline(time.Now().Add(perTry)); err != nil {
			return nil, jamerr.Wrap(jamerr.NATTraversalFailed, err)
		}

		for {
			n, _, err := c.ReadFrom(buf)
			if err != nil {
				break // deadline: resend
			}
			if !stun.IsMessage(buf[:n]) {
				continue // early peer traffic; the receiver task will see retransmits
			}
			res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := res.Decode(); err != nil {
				continue
			}
			if res.TransactionID != msg.TransactionID {
				continue
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(res); err != nil {
				return nil, jamerr.Wrap(jamerr.NATTraversalFailed, err)
			}
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
	}
	return nil, jamerr.New(jamerr.NATTraversalFailed, "no STUN response from %s after %d attempts", server, stunRetries)
}
