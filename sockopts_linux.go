//go:build linux

package torrent

import "syscall"

// setSockNoLinger disables SO_LINGER so a closed TCP socket doesn't hold
// its port past process exit while FIN/ACK finishes.
func setSockNoLinger(fd uintptr) error {
	return syscall.SetsockoptLinger(int(fd), syscall.SOL_SOCKET, syscall.SO_LINGER, &syscall.Linger{Onoff: 0})
}

// setReusePortSockOpts enables SO_REUSEPORT, used only when
// dialTcpFromListenPort is turned on.
func setReusePortSockOpts(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
}
