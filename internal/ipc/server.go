package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"diskforge/internal/blockdev"
)

// DeviceLister is the privileged capability the helper serves.
type DeviceLister interface {
	List(ctx context.Context) ([]blockdev.Device, error)
}

// Server is the privileged helper side of the channel. Exactly one helper
// binds a socket path at a time; a stale endpoint left by a dead helper is
// removed before listening.
type Server struct {
	SocketPath string
	Devices    DeviceLister
	Log        zerolog.Logger
}

// Serve listens on the unix socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("mkdir socket dir: %w", err)
	}
	_ = os.Remove(s.SocketPath)

	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.SocketPath, err)
	}
	// Group-accessible only; the unit manages ownership.
	_ = os.Chmod(s.SocketPath, 0o660)

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	s.Log.Info().Str("socket", s.SocketPath).Msg("helper listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Message
		if err := json.Unmarshal(line, &req); err != nil {
			s.Log.Warn().Err(err).Msg("malformed request dropped")
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.Log.Warn().Err(err).Msg("write response failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Message) Message {
	switch req.Command {
	case CmdListDevices:
		resp := Message{Command: CmdListDevicesResponse, RequestID: req.RequestID}
		devices, err := s.Devices.List(ctx)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		data, err := json.Marshal(devices)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Data = data
		return resp
	case CmdPing:
		return Message{Command: CmdPingResponse, RequestID: req.RequestID}
	default:
		return Message{
			Command:   req.Command + "-response",
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("unknown command %q", req.Command),
		}
	}
}
