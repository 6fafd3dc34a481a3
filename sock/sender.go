//go:build linux

// Package sock re-injects crafted packets through raw sockets.
package sock

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dilluti0n/dpibreak/log"
	"github.com/dilluti0n/dpibreak/pkt"
)

// InjectMark is set on every packet we emit. The firewall rules return
// early on marked packets, so our own output never re-enters the queue.
const InjectMark = 0x8000

// Sender owns one raw socket per address family. Packets carry their
// own IP header (IP_HDRINCL); the kernel only routes them.
type Sender struct {
	fd4 int
	fd6 int
}

func NewSender() (*Sender, error) {
	return NewSenderWithMark(InjectMark)
}

func NewSenderWithMark(mark int) (*Sender, error) {
	fd4, err := rawSocket(syscall.AF_INET, mark)
	if err != nil {
		return nil, fmt.Errorf("ipv4 raw socket: %w", err)
	}
	fd6, err := rawSocket(syscall.AF_INET6, mark)
	if err != nil {
		_ = syscall.Close(fd4)
		return nil, fmt.Errorf("ipv6 raw socket: %w", err)
	}
	return &Sender{fd4: fd4, fd6: fd6}, nil
}

func rawSocket(family, mark int) (int, error) {
	fd, err := syscall.Socket(family, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
	if err != nil {
		return -1, err
	}
	if family == syscall.AF_INET {
		if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_HDRINCL, 1); err != nil {
			_ = syscall.Close(fd)
			return -1, err
		}
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
		_ = syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Send routes a full IP packet out the raw socket for its family. The
// destination address is read from the packet itself.
func (s *Sender) Send(packet []byte) error {
	v, err := pkt.Parse(packet)
	if err != nil {
		return fmt.Errorf("refusing to send: %w", err)
	}
	if v.IsIPv6() {
		return s.SendIPv6(packet, v.DstIP())
	}
	return s.SendIPv4(packet, v.DstIP())
}

func (s *Sender) SendIPv4(packet []byte, dst net.IP) error {
	log.Debugf("raw send v4 %s len=%d", dst, len(packet))
	addr := syscall.SockaddrInet4{}
	copy(addr.Addr[:], dst.To4())
	return syscall.Sendto(s.fd4, packet, 0, &addr)
}

func (s *Sender) SendIPv6(packet []byte, dst net.IP) error {
	log.Debugf("raw send v6 %s len=%d", dst, len(packet))
	addr := syscall.SockaddrInet6{}
	copy(addr.Addr[:], dst.To16())
	return syscall.Sendto(s.fd6, packet, 0, &addr)
}

func (s *Sender) Close() {
	if s.fd4 > 0 {
		_ = syscall.Close(s.fd4)
	}
	if s.fd6 > 0 {
		_ = syscall.Close(s.fd6)
	}
}
