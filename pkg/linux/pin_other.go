//go:build !linux

package linux

import "runtime"

// PinThread locks the goroutine to its OS thread; affinity is not
// available off linux.
func PinThread(int) error {
	runtime.LockOSThread()
	return nil
}
