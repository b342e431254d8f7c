// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/hddl-foundation/hddl/lib/clock"
	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/ledger"
	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
	"github.com/hddl-foundation/hddl/lib/uploadlock"
	"github.com/hddl-foundation/hddl/transport"
)

// maxUploadBytes bounds one inbound transfer message.
const maxUploadBytes = 16 << 30

const (
	defaultSendTimeout        = 10 * time.Second
	defaultMaxPipesPerRequest = 64
)

// serverOptions is the resolved configuration a Server runs with.
type serverOptions struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// SocketPath is passed to workers with -u.
	SocketPath string
	WorkerPath string
	WorkerArgs []string

	// StorageRoot is the directory upload paths resolve against;
	// ModelRoots are relative to it.
	StorageRoot string
	ModelRoots  []string

	DestroyGrace        time.Duration
	DestroyOnDisconnect bool
	MaxPayloadBytes     int64
	MaxPipesPerRequest  int

	// SendTimeout bounds each write to a control connection or worker.
	SendTimeout time.Duration
}

// Server owns the registry and every goroutine that mutates it.
// Control connections and ipc peers each run in their own goroutine;
// process exits and connection closes are applied one at a time by the
// coordinator goroutine.
type Server struct {
	options  serverOptions
	logger   *slog.Logger
	clock    clock.Clock
	registry *registry.Registry
	metrics  *metrics
	uploads  uploadlock.Set
	ledgers  ledger.Stores

	events  chan event
	stopped chan struct{}

	// workers tracks every spawned process, including ones released
	// from the registry, so shutdown can reach them.
	workersMu sync.Mutex
	workers   map[*workerProcess]struct{}

	outboxesMu     sync.Mutex
	outboxes       map[string]*outbox
	outboxesClosed bool

	wait sync.WaitGroup
}

// event is applied by the coordinator.
type event interface{ isEvent() }

type processExited struct {
	process  *workerProcess
	exitCode int
	err      error
}

type connectionClosed struct {
	connection registry.Connection
}

func (processExited) isEvent()    {}
func (connectionClosed) isEvent() {}

func newServer(options serverOptions) *Server {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = defaultSendTimeout
	}
	if options.MaxPipesPerRequest <= 0 {
		options.MaxPipesPerRequest = defaultMaxPipesPerRequest
	}
	return &Server{
		options:  options,
		logger:   options.Logger,
		clock:    options.Clock,
		registry: registry.New(options.Logger),
		metrics:  newMetrics(),
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		workers:  make(map[*workerProcess]struct{}),
		outboxes: make(map[string]*outbox),
	}
}

// Run serves control connections from control and workers from
// ipcListener until ctx is cancelled, then destroys the remaining
// workers.
func (s *Server) Run(ctx context.Context, control transport.Listener, ipcListener net.Listener) error {
	coordinatorDone := s.startCoordinator(ctx)

	s.wait.Add(1)
	go func() {
		defer s.wait.Done()
		s.serveIPC(ctx, ipcListener)
	}()

	handler := transport.Handler(s.logger, maxUploadBytes, s.serveConnection)
	s.logger.Info("control channel listening", "address", control.Address())
	serveErr := control.Serve(ctx, handler)

	ipcListener.Close()
	if interrupted := s.uploads.Paths(); len(interrupted) > 0 {
		s.logger.Warn("shutting down with uploads in progress", "paths", interrupted)
	}
	s.shutdown(s.options.DestroyGrace)
	<-coordinatorDone
	s.wait.Wait()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("control listener: %w", serveErr)
	}
	return nil
}

// startCoordinator runs the event loop until ctx is cancelled. The
// returned channel closes when the loop has exited.
func (s *Server) startCoordinator(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(s.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.events:
				s.apply(ev)
			}
		}
	}()
	return done
}

// post hands ev to the coordinator. Events posted after it stopped are
// discarded.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Server) apply(ev event) {
	switch ev := ev.(type) {
	case processExited:
		s.handleProcessExit(ev)
	case connectionClosed:
		s.handleConnectionClosed(ev)
	}
}

func (s *Server) handleProcessExit(ev processExited) {
	s.metrics.processExits.Inc()
	s.forgetWorker(ev.process)
	pipeID := ev.process.pipeID
	s.logger.Info("worker exited",
		"pipe_id", pipeID,
		"pid", ev.process.Pid(),
		"exit_code", ev.exitCode,
		"error", ev.err,
	)

	pipeline, ok := s.registry.Lookup(pipeID)
	if !ok || pipeline.Process != registry.Process(ev.process) {
		return
	}
	if owner, ok := s.registry.Connection(pipeline.ConnectionID); ok && owner.Open() {
		s.deliver(owner, schema.PipeDelete(pipeID))
	}
	s.release(pipeID)
}

func (s *Server) handleConnectionClosed(ev connectionClosed) {
	connectionID := ev.connection.ID()
	s.closeOutbox(connectionID)
	s.registry.DetachConnection(connectionID)
	released := s.registry.ReleaseConnection(connectionID)
	s.metrics.pipelinesActive.Set(float64(s.registry.Len()))
	if len(released) == 0 {
		return
	}

	logger := s.logger.With("connection_id", connectionID)
	if !s.options.DestroyOnDisconnect {
		for _, pipeline := range released {
			logger.Info("pipeline left running after its connection closed", "pipe_id", pipeline.ID)
		}
		return
	}
	for _, pipeline := range released {
		logger.Info("destroying pipeline of closed connection", "pipe_id", pipeline.ID)
		s.destroyWorker(pipeline, "release_connection")
	}
}

// release removes pipeID from the registry and updates the gauge.
func (s *Server) release(pipeID int) (registry.Pipeline, bool) {
	pipeline, ok := s.registry.Release(pipeID)
	s.metrics.pipelinesActive.Set(float64(s.registry.Len()))
	return pipeline, ok
}

// destroyWorker asks a worker to stop and schedules the grace kill.
// The destroy frame is bounded by the peer's write timeout.
func (s *Server) destroyWorker(pipeline registry.Pipeline, operation string) {
	if pipeline.Peer != nil {
		if err := pipeline.Peer.Send(ipc.Frame{Type: ipc.TypeDestroy, PipeID: pipeline.ID}); err != nil {
			s.logger.Warn("sending destroy frame failed", "pipe_id", pipeline.ID, "error", err)
		}
	} else {
		s.metrics.peerUnavailable.WithLabelValues(operation).Inc()
		s.logger.Warn("destroyed pipeline has no ipc peer", "pipe_id", pipeline.ID, "operation", operation)
	}
	if worker, ok := pipeline.Process.(*workerProcess); ok {
		s.scheduleKill(worker)
	}
}

// send writes message to connection, logging failures.
func (s *Server) send(ctx context.Context, connection registry.Connection, message schema.Message) {
	if err := connection.Send(ctx, message); err != nil {
		s.logger.Warn("sending reply failed",
			"connection_id", connection.ID(),
			"method", message.Headers.Method,
			"error", err,
		)
	}
}

// sendLedgers sends the ledger of every model root to connection.
func (s *Server) sendLedgers(ctx context.Context, connection registry.Connection) {
	for _, root := range s.options.ModelRoots {
		store, err := s.ledgers.For(filepath.Join(s.options.StorageRoot, root))
		if err != nil {
			s.logger.Error("loading model ledger", "root", root, "error", err)
			continue
		}
		encoded, err := json.Marshal(store.Snapshot())
		if err != nil {
			s.logger.Error("encoding model ledger", "root", root, "error", err)
			continue
		}
		s.send(ctx, connection, schema.CheckSum(root, encoded))
	}
}

// broadcast queues message for every open connection with role.
func (s *Server) broadcast(role registry.Role, message schema.Message) {
	for _, connection := range s.registry.Connections(role) {
		if connection.Open() {
			s.deliver(connection, message)
		}
	}
}

// shutdown sends a destroy frame to every remaining worker, kills
// those still running after grace and closes the outbound queues.
func (s *Server) shutdown(grace time.Duration) {
	defer s.closeOutboxes()

	var destroys sync.WaitGroup
	for _, pipeline := range s.registry.All() {
		if pipeline.Peer == nil {
			continue
		}
		destroys.Add(1)
		go func() {
			defer destroys.Done()
			if err := pipeline.Peer.Send(ipc.Frame{Type: ipc.TypeDestroy, PipeID: pipeline.ID}); err != nil {
				s.logger.Warn("sending destroy frame failed", "pipe_id", pipeline.ID, "error", err)
			}
		}()
	}
	destroys.Wait()

	s.workersMu.Lock()
	workers := make([]*workerProcess, 0, len(s.workers))
	for worker := range s.workers {
		workers = append(workers, worker)
	}
	s.workersMu.Unlock()
	if len(workers) == 0 {
		return
	}

	s.logger.Info("waiting for workers to exit", "count", len(workers))
	deadline := s.clock.After(grace)
	for _, worker := range workers {
		select {
		case <-worker.Done():
		case <-deadline:
			// Deadline passed: kill without waiting further.
			deadline = closedTimeChannel
			worker.Kill()
			<-worker.Done()
		}
	}
}

var closedTimeChannel = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

func (s *Server) trackWorker(worker *workerProcess) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	s.workers[worker] = struct{}{}
}

func (s *Server) forgetWorker(worker *workerProcess) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	delete(s.workers, worker)
}
