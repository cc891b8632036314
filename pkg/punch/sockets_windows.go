//go:build windows

package punch

import "golang.org/x/sys/windows"

// Windows has no SO_REUSEPORT; SO_REUSEADDR alone already allows the
// listener and bound dialers to share the port.
func setReuseOptions(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
