// Package ipc carries newline-delimited JSON messages between the
// unprivileged controller and the privileged helper over a unix socket.
package ipc

import "encoding/json"

// Message is one request or response record. Every request carries a
// unique RequestID and the helper echoes it back, so concurrent requests
// of the same command never collide.
type Message struct {
	Command   string          `json:"command"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	CmdListDevices         = "list-devices"
	CmdListDevicesResponse = "list-devices-response"
	CmdPing                = "ping"
	CmdPingResponse        = "ping-response"
)
