// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/netutil"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

// listenSocket creates the worker socket, removing a stale socket file
// from a previous run. The parent directory is private to the server
// user; the socket itself allows the server group.
func listenSocket(socketPath string) (net.Listener, error) {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return listener, nil
}

// serveIPC accepts worker connections until the listener is closed.
func (s *Server) serveIPC(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("ipc accept failed", "error", err)
			}
			return
		}
		s.wait.Add(1)
		go func() {
			defer s.wait.Done()
			s.servePeer(ctx, ipc.NewConn(conn))
		}()
	}
}

// servePeer reads frames from one worker connection. Frames are routed
// by their embedded pipe id, not by which connection announced what.
func (s *Server) servePeer(ctx context.Context, peer *ipc.Conn) {
	defer peer.Close()
	peer.SetWriteTimeout(s.options.SendTimeout)
	stop := context.AfterFunc(ctx, func() { peer.Close() })
	defer stop()

	pid := peerPID(peer.NetConn())
	logger := s.logger.With("peer_pid", pid)
	logger.Debug("worker connected")

	announced := make(map[int]struct{})
	defer func() {
		for pipeID := range announced {
			if s.registry.UnbindIPC(pipeID, peer) {
				logger.Info("worker disconnected", "pipe_id", pipeID)
			}
		}
	}()

	for {
		frame, err := peer.Receive()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Warn("ipc read failed", "error", err)
			}
			return
		}
		if frame.Type == ipc.TypePipeID {
			if s.announce(logger, peer, pid, frame.PipeID) {
				announced[frame.PipeID] = struct{}{}
			}
			continue
		}
		s.relay(logger, frame)
	}
}

// announce binds peer to pipeID and hands the worker its start frames:
// Config, then Launch.
func (s *Server) announce(logger *slog.Logger, peer *ipc.Conn, pid, pipeID int) bool {
	pipeline, ok := s.registry.Lookup(pipeID)
	if !ok {
		s.metrics.droppedFrames.WithLabelValues(dropUnregistered).Inc()
		logger.Warn("announcement for unregistered pipeline dropped", "pipe_id", pipeID)
		return false
	}
	if !s.registry.BindIPC(pipeID, peer) {
		s.metrics.droppedFrames.WithLabelValues(dropUnregistered).Inc()
		return false
	}
	if pid > 0 && pipeline.Process != nil && pipeline.Process.Pid() != pid {
		logger.Warn("announcing process is not the spawned worker",
			"pipe_id", pipeID,
			"spawned_pid", pipeline.Process.Pid(),
		)
	}
	logger.Info("worker announced", "pipe_id", pipeID)

	creation := pipeline.Creation
	for _, frame := range []ipc.Frame{
		{Type: ipc.TypeConfig, PipeID: pipeID, Payload: creation.ConfigFrame()},
		{Type: ipc.TypeLaunch, PipeID: pipeID, Payload: creation.LaunchFrame()},
	} {
		if err := peer.Send(frame); err != nil {
			logger.Warn("sending start frame failed", "pipe_id", pipeID, "type", frame.Type.String(), "error", err)
			break
		}
	}
	return true
}

// relay queues worker output for the owning connection and every open
// data connection.
func (s *Server) relay(logger *slog.Logger, frame ipc.Frame) {
	pipeline, ok := s.registry.Lookup(frame.PipeID)
	if !ok {
		s.drop(logger, frame, dropUnregistered)
		return
	}
	if pipeline.Peer == nil {
		s.drop(logger, frame, dropNotAnnounced)
		return
	}
	owner, ok := s.registry.Connection(pipeline.ConnectionID)
	if !ok || !owner.Open() {
		s.drop(logger, frame, dropConnectionClosed)
		return
	}

	message := schema.Relay(int(frame.Type), frame.PipeID, frame.Payload)
	s.deliver(owner, message)
	s.broadcast(registry.RoleData, message)
}

func (s *Server) drop(logger *slog.Logger, frame ipc.Frame, reason string) {
	s.metrics.droppedFrames.WithLabelValues(reason).Inc()
	logger.Debug("worker frame dropped", "pipe_id", frame.PipeID, "type", frame.Type.String(), "reason", reason)
}

// peerPID returns the pid of the process on the other end of a Unix
// socket, or 0 when it cannot be determined.
func peerPID(conn net.Conn) int {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0
	}
	var credentials *unix.Ucred
	var credentialErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credentialErr != nil {
		return 0
	}
	return int(credentials.Pid)
}
