package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var ErrProbeFailed = errors.New("icmp probe failed")

// ICMPProber sends a single ICMP echo request. It uses a raw socket when
// privileged and falls back to an unprivileged datagram ICMP socket.
type ICMPProber struct{}

// NewICMPProber returns an ICMPProber.
func NewICMPProber() *ICMPProber {
	return &ICMPProber{}
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, target net.IP) error {
	if target.To4() == nil {
		return fmt.Errorf("%w: %s is not an IPv4 address", ErrProbeFailed, target)
	}

	privileged := true
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		privileged = false
		conn, err = icmp.ListenPacket("udp4", "0.0.0.0")
		if err != nil {
			return fmt.Errorf("%w: opening socket: %v", ErrProbeFailed, err)
		}
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProbeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	// Unblock the read when ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("netguard")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	var dst net.Addr = &net.IPAddr{IP: target}
	if !privileged {
		dst = &net.UDPAddr{IP: target}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
		if !peerIP(peer).Equal(target) {
			continue
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the id on datagram sockets.
		if echo, ok := reply.Body.(*icmp.Echo); privileged && ok && echo.ID != id {
			continue
		}
		return nil
	}
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}
