//go:build !linux || !cgo

package hardening

import "fmt"

// Apply is a stub on non-Linux hosts.
func Apply(Profile) error {
	return fmt.Errorf("host hardening is only supported on linux")
}
