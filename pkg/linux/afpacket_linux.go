//go:build linux

// Package linux holds the raw AF_PACKET transmit path. Frames arrive
// fully formed from the probe modules; this layer only moves them onto
// the wire, in batches when the kernel supports it.
package linux

import (
	"net"
	"unsafe"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sendmmsg appeared in Linux 3.0; older kernels fall back to one
// sendto per frame.
var sendmmsgVersion = kernel.VersionInfo{Kernel: 3, Major: 0, Minor: 0}

// AFPacket is one raw transmit socket, owned by a single sender
// thread.
type AFPacket struct {
	fd       int
	addr     unix.SockaddrLinklayer
	batching bool
}

// OpenAFPacket opens a raw socket bound to the interface. The socket
// carries prepared L2 frames, so no protocol dispatch is requested on
// the receive side (protocol 0).
func OpenAFPacket(iface string, gwMAC net.HardwareAddr) (*AFPacket, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup interface %q", iface)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening AF_PACKET socket (are you root?)")
	}
	s := &AFPacket{fd: fd}
	s.addr = unix.SockaddrLinklayer{Ifindex: ifi.Index, Halen: 6}
	copy(s.addr.Addr[:], gwMAC)
	if err := unix.Bind(fd, &s.addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "binding transmit socket")
	}
	if v, err := kernel.GetKernelVersion(); err == nil {
		s.batching = kernel.CompareKernelVersion(*v, sendmmsgVersion) >= 0
	}
	return s, nil
}

// Send writes one frame.
func (s *AFPacket) Send(frame []byte) error {
	return unix.Sendto(s.fd, frame, 0, &s.addr)
}

// SendBatch submits frames with a single sendmmsg when available and
// returns how many the kernel accepted. A short count is not an error;
// the caller resubmits the tail.
func (s *AFPacket) SendBatch(frames [][]byte) (int, error) {
	if !s.batching {
		for i, frame := range frames {
			if err := s.Send(frame); err != nil {
				return i, err
			}
		}
		return len(frames), nil
	}
	iovecs := make([]unix.Iovec, len(frames))
	msgs := make([]unix.Mmsghdr, len(frames))
	for i, frame := range frames {
		iovecs[i].Base = &frame[0]
		iovecs[i].SetLen(len(frame))
		msgs[i].Hdr.Iov = &iovecs[i]
		msgs[i].Hdr.SetIovlen(1)
	}
	n, _, errno := unix.Syscall6(unix.SYS_SENDMMSG, uintptr(s.fd),
		uintptr(unsafe.Pointer(&msgs[0])), uintptr(len(msgs)), 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Close releases the socket.
func (s *AFPacket) Close() error {
	return unix.Close(s.fd)
}

// Retryable reports whether a transmit error is transient backpressure
// worth a short backoff rather than a failure count.
func Retryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EINTR)
}
