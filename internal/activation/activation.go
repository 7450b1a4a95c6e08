// Package activation picks up listeners passed by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listeners returns the systemd-activated listeners.
// It checks for systemd socket activation via LISTEN_PID and LISTEN_FDS environment variables.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs(os.Getenv, os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own dup of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Child processes started by the hand-off must not inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first socket-activated listener, or a fresh TCP
// listener on addr when the process was not socket-activated. Extra
// activated listeners are closed.
func Listen(addr string) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// activatedFDs reports how many descriptors systemd passed to process pid
func activatedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return 0, nil
	}
	return n, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
