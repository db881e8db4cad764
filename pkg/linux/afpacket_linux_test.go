//go:build linux

package linux

import (
	"testing"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(unix.EAGAIN))
	assert.True(t, Retryable(unix.ENOBUFS))
	assert.True(t, Retryable(errors.Wrap(unix.EINTR, "wrapped")))
	assert.False(t, Retryable(unix.EPERM))
	assert.False(t, Retryable(errors.New("other")))
}

func TestSendmmsgGateOnRunningKernel(t *testing.T) {
	v, err := kernel.GetKernelVersion()
	require.NoError(t, err)
	// Anything modern enough to run the tests has sendmmsg.
	assert.GreaterOrEqual(t, kernel.CompareKernelVersion(*v, sendmmsgVersion), 0)
}

func TestOpenAFPacketUnknownInterface(t *testing.T) {
	_, err := OpenAFPacket("definitely-not-a-nic0", nil)
	assert.Error(t, err)
}
