//go:build !linux

package logger

// isTerminal conservatively reports false on platforms without an ioctl probe.
func isTerminal(fd uintptr) bool {
	return false
}
