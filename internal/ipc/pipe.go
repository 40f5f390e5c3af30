// Package ipc provides the Windows named-pipe transport used in place of a
// unix-domain socket on hosts with no AF_UNIX support.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
)

// defaultPipeBufferBytes sizes the named pipe's OS-level input/output
// buffers. wxmux's own framing (internal/pdu) has no fixed request size --
// this just bounds how much the pipe itself buffers before a reader drains
// it.
const defaultPipeBufferBytes = 64 * 1024

// ListenNamedPipe listens on a Windows named pipe at pipeName (conventionally
// `\\.\pipe\<name>`), restricted to the current user and SYSTEM by the DACL
// pipeSecurityDescriptor builds. The returned net.Listener is a drop-in
// substitute for net.Listen("unix", ...) wherever a persistent, framed
// session listener (internal/server.Serve) is wanted on a platform with no
// unix-domain socket support.
func ListenNamedPipe(pipeName string) (net.Listener, error) {
	return listenPipeWithCurrentUserDACL(pipeName)
}

// DialNamedPipe connects to a named pipe session listener, the Windows
// counterpart to net.DialTimeout("unix", ...).
func DialNamedPipe(pipeName string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(pipeName, &timeout)
}

// listenPipeWithCurrentUserDACL creates a named pipe listener restricted to
// the current user. The DACL grants full access only to SYSTEM and the
// current user's SID, preventing other local users from connecting.
func listenPipeWithCurrentUserDACL(pipeName string) (net.Listener, error) {
	securityDescriptor, err := pipeSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(pipeName, &winio.PipeConfig{
		SecurityDescriptor: securityDescriptor,
		MessageMode:        false,
		InputBufferSize:    int32(defaultPipeBufferBytes),
		OutputBufferSize:   int32(defaultPipeBufferBytes),
	})
}

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

func pipeSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	// SDDL: D:P = protected DACL (no inheritance)
	// (A;;GA;;;SY) = full access for SYSTEM
	// (A;;GA;;;%s) = full access for current user SID
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
