// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the authoritative table of running pipelines and
// control connections.
//
// Each pipeline has a process-wide unique id, an owning control
// connection, a process handle, the creation request it was started
// with, and at most one bound IPC peer. Every index (pipelines by id,
// pipelines by owner, connections by id) is guarded by one mutex so
// the owner and process entries of a pipeline are always added and
// removed together.
//
// The registry never performs I/O. Callers look up a connection or a
// peer and send outside the lock.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/hddl-foundation/hddl/lib/ipc"
	"github.com/hddl-foundation/hddl/lib/schema"
)

// ErrAlreadyExists is returned by Register for a pipe id that is
// already registered.
var ErrAlreadyExists = errors.New("pipeline already registered")

// Role distinguishes control connections that manage pipelines from
// those that only consume relayed results.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleData  Role = "data"
)

// Connection is a control client connection.
type Connection interface {
	ID() string
	Role() Role
	// Open reports whether sends can still succeed.
	Open() bool
	Send(ctx context.Context, message schema.Message) error
}

// Process is the handle of a spawned worker.
type Process interface {
	Pid() int
	Kill() error
}

// Peer is a worker's IPC connection.
type Peer interface {
	Send(frame ipc.Frame) error
}

// State is the lifecycle state of a registered pipeline.
type State string

const (
	// StateSpawned: process started, no IPC peer bound.
	StateSpawned State = "spawned"
	// StateConnected: the worker announced itself and is bound.
	StateConnected State = "connected"
)

// Pipeline is a snapshot of one registry entry.
type Pipeline struct {
	ID           int
	ConnectionID string
	Process      Process
	Creation     schema.Creation
	Peer         Peer
	State        State
}

type entry struct {
	connectionID string
	process      Process
	creation     schema.Creation
	peer         Peer
}

func (e *entry) snapshot(pipeID int) Pipeline {
	state := StateSpawned
	if e.peer != nil {
		state = StateConnected
	}
	return Pipeline{
		ID:           pipeID,
		ConnectionID: e.connectionID,
		Process:      e.process,
		Creation:     e.creation,
		Peer:         e.peer,
		State:        state,
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	nextPipeID  int
	pipelines   map[int]*entry
	owners      map[string]map[int]struct{}
	connections map[string]Connection
}

// New returns an empty registry. Pipe ids start at 0.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		pipelines:   make(map[int]*entry),
		owners:      make(map[string]map[int]struct{}),
		connections: make(map[string]Connection),
	}
}

// AllocatePipeID returns the next pipe id. Ids are never reused, even
// when the pipeline they were allocated for fails to start.
func (r *Registry) AllocatePipeID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextPipeID
	r.nextPipeID++
	return id
}

// Register records a started pipeline owned by connectionID.
func (r *Registry) Register(connectionID string, pipeID int, process Process, creation schema.Creation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipelines[pipeID]; exists {
		return ErrAlreadyExists
	}
	r.pipelines[pipeID] = &entry{
		connectionID: connectionID,
		process:      process,
		creation:     creation,
	}
	owned := r.owners[connectionID]
	if owned == nil {
		owned = make(map[int]struct{})
		r.owners[connectionID] = owned
	}
	owned[pipeID] = struct{}{}
	if pipeID >= r.nextPipeID {
		r.nextPipeID = pipeID + 1
	}
	return nil
}

// BindIPC binds peer to pipeID, replacing any previous peer. Binding an
// unknown pipe id changes nothing and returns false.
func (r *Registry) BindIPC(pipeID int, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pipelines[pipeID]
	if !ok {
		r.logger.Warn("ipc bind for unknown pipeline", "pipe_id", pipeID)
		return false
	}
	e.peer = peer
	return true
}

// UnbindIPC clears the peer of pipeID if peer is the one bound. A peer
// that was replaced by a newer connection does not clear its successor.
func (r *Registry) UnbindIPC(pipeID int, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pipelines[pipeID]
	if !ok || e.peer == nil || e.peer != peer {
		return false
	}
	e.peer = nil
	return true
}

// CreationPayload returns the creation request pipeID was started with.
func (r *Registry) CreationPayload(pipeID int) (schema.Creation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pipelines[pipeID]
	if !ok {
		return schema.Creation{}, false
	}
	return e.creation, true
}

// Lookup returns a snapshot of pipeID.
func (r *Registry) Lookup(pipeID int) (Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pipelines[pipeID]
	if !ok {
		return Pipeline{}, false
	}
	return e.snapshot(pipeID), true
}

// Peer returns the IPC peer bound to pipeID.
func (r *Registry) Peer(pipeID int) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pipelines[pipeID]
	if !ok || e.peer == nil {
		return nil, false
	}
	return e.peer, true
}

// OwnedPipes returns the pipe ids owned by connectionID in ascending
// order.
func (r *Registry) OwnedPipes(connectionID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownedLocked(connectionID)
}

// Owns reports whether connectionID owns pipeID.
func (r *Registry) Owns(connectionID string, pipeID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[connectionID][pipeID]
	return ok
}

// HasPipes reports whether connectionID has registered a pipeline,
// including ones since released. The entry lasts until
// ReleaseConnection.
func (r *Registry) HasPipes(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[connectionID]
	return ok
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipelines)
}

// Release removes pipeID from every index. It returns the released
// entry and true for the first caller; later callers get false.
func (r *Registry) Release(pipeID int) (Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(pipeID)
}

// ReleaseConnection removes every pipeline owned by connectionID and
// returns them in ascending pipe id order.
func (r *Registry) ReleaseConnection(connectionID string) []Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []Pipeline
	for _, pipeID := range r.ownedLocked(connectionID) {
		if pipeline, ok := r.releaseLocked(pipeID); ok {
			released = append(released, pipeline)
		}
	}
	delete(r.owners, connectionID)
	return released
}

// All returns snapshots of every registered pipeline in ascending pipe
// id order.
func (r *Registry) All() []Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()

	pipelines := make([]Pipeline, 0, len(r.pipelines))
	for pipeID, e := range r.pipelines {
		pipelines = append(pipelines, e.snapshot(pipeID))
	}
	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].ID < pipelines[j].ID })
	return pipelines
}

// AttachConnection adds a control connection.
func (r *Registry) AttachConnection(connection Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connection.ID()] = connection
}

// DetachConnection removes a control connection. Pipelines it owns are
// not touched; see ReleaseConnection.
func (r *Registry) DetachConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
}

// Connection returns the connection with connectionID.
func (r *Registry) Connection(connectionID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[connectionID]
	return connection, ok
}

// Connections returns the attached connections with role, ordered by
// id.
func (r *Registry) Connections(role Role) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []Connection
	for _, connection := range r.connections {
		if connection.Role() == role {
			matched = append(matched, connection)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	return matched
}

func (r *Registry) ownedLocked(connectionID string) []int {
	owned := r.owners[connectionID]
	pipeIDs := make([]int, 0, len(owned))
	for pipeID := range owned {
		pipeIDs = append(pipeIDs, pipeID)
	}
	sort.Ints(pipeIDs)
	return pipeIDs
}

func (r *Registry) releaseLocked(pipeID int) (Pipeline, bool) {
	e, ok := r.pipelines[pipeID]
	if !ok {
		return Pipeline{}, false
	}
	snapshot := e.snapshot(pipeID)
	delete(r.pipelines, pipeID)
	delete(r.owners[e.connectionID], pipeID)
	return snapshot, true
}
