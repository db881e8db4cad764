//go:build !linux

package linux

import (
	"net"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned on platforms without AF_PACKET; the
// sender falls back to the pcap inject backend there.
var ErrUnsupported = errors.New("AF_PACKET transmit is only supported on linux")

type AFPacket struct{}

func OpenAFPacket(string, net.HardwareAddr) (*AFPacket, error) {
	return nil, ErrUnsupported
}

func (*AFPacket) Send([]byte) error                { return ErrUnsupported }
func (*AFPacket) SendBatch([][]byte) (int, error)  { return 0, ErrUnsupported }
func (*AFPacket) Close() error                     { return nil }

// Retryable always reports false off linux; there is no live transmit
// path to back off on.
func Retryable(error) bool { return false }
