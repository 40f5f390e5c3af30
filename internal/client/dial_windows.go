//go:build windows

package client

import (
	"wxmux/internal/ipc"
)

// DialNamedPipe is the Windows counterpart to DialUnix: it connects to a
// named pipe session listener instead of a unix-domain socket.
func DialNamedPipe(pipeName string, onPush PushHandler) (*Client, error) {
	conn, err := ipc.DialNamedPipe(pipeName, defaultDialTimeout)
	if err != nil {
		return nil, err
	}
	return newClient(conn, onPush), nil
}
