//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd

package secret

// Memory pinning isn't available on this platform, secrets are only
// scrubbed.
func lockMemory(b []byte) error {
	return nil
}

func unlockMemory(b []byte) error {
	return nil
}
