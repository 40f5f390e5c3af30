//go:build windows

package server

import (
	"net"

	"wxmux/internal/ipc"
)

// ListenNamedPipe is the Windows counterpart to ListenUnix: it binds a
// named pipe session listener instead of a unix-domain socket, for hosts
// with no AF_UNIX support. Serve treats the result identically either way.
func ListenNamedPipe(pipeName string) (net.Listener, error) {
	return ipc.ListenNamedPipe(pipeName)
}
