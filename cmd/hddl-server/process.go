// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/hddl-foundation/hddl/lib/registry"
	"github.com/hddl-foundation/hddl/lib/schema"
)

var _ registry.Process = (*workerProcess)(nil)

// workerProcess is one spawned pipeline worker.
type workerProcess struct {
	pipeID int
	cmd    *exec.Cmd
	stdout *lineLogger
	stderr *lineLogger
	done   chan struct{}
}

func (p *workerProcess) Pid() int { return p.cmd.Process.Pid }

// Kill terminates the worker. Killing an exited worker is not an error.
func (p *workerProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has been reaped.
func (p *workerProcess) Done() <-chan struct{} { return p.done }

// spawn starts the worker for pipeID without a shell:
//
//	<worker> <args...> -u <socket> -i <pipe id>
//
// Worker stdout and stderr are logged line by line at debug level.
func (s *Server) spawn(pipeID int) (*workerProcess, error) {
	args := append(append([]string(nil), s.options.WorkerArgs...),
		"-u", s.options.SocketPath,
		"-i", strconv.Itoa(pipeID),
	)
	worker := &workerProcess{
		pipeID: pipeID,
		cmd:    exec.Command(s.options.WorkerPath, args...),
		stdout: &lineLogger{server: s, pipeID: pipeID, stream: "stdout"},
		stderr: &lineLogger{server: s, pipeID: pipeID, stream: "stderr"},
		done:   make(chan struct{}),
	}
	worker.cmd.Stdout = worker.stdout
	worker.cmd.Stderr = worker.stderr
	// Grandchildren holding the output pipes open must not delay
	// reaping past this.
	worker.cmd.WaitDelay = outputWaitDelay

	if err := worker.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	s.trackWorker(worker)
	return worker, nil
}

const outputWaitDelay = 2 * time.Second

// lineLogger logs each complete line written to it.
type lineLogger struct {
	server *Server
	pipeID int
	stream string

	mu      sync.Mutex
	partial []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		index := bytes.IndexByte(l.partial, '\n')
		if index < 0 {
			break
		}
		l.log(l.partial[:index])
		l.partial = l.partial[index+1:]
	}
	return len(p), nil
}

// flush logs a trailing line without a newline.
func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.log(l.partial)
		l.partial = nil
	}
}

func (l *lineLogger) log(line []byte) {
	l.server.logger.Debug("worker output", "pipe_id", l.pipeID, "stream", l.stream, "line", string(line))
}

// watch reaps worker in the background and posts its exit to the
// coordinator. Call it only after the worker is registered so the exit
// can never be observed first.
func (s *Server) watch(worker *workerProcess) {
	s.wait.Add(1)
	go func() {
		defer s.wait.Done()
		waitErr := worker.cmd.Wait()
		worker.stdout.flush()
		worker.stderr.flush()
		exitCode := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		close(worker.done)
		s.post(processExited{process: worker, exitCode: exitCode, err: waitErr})
	}()
}

// startPipeline spawns and registers the worker for pipeID.
func (s *Server) startPipeline(connectionID string, pipeID int, creation schema.Creation) error {
	worker, err := s.spawn(pipeID)
	if err != nil {
		return err
	}
	if err := s.registry.Register(connectionID, pipeID, worker, creation); err != nil {
		worker.Kill()
		s.watch(worker)
		return fmt.Errorf("%w: registering pipe %d: %v", ErrSpawnFailure, pipeID, err)
	}
	s.metrics.pipelinesActive.Set(float64(s.registry.Len()))
	s.watch(worker)
	s.logger.Info("worker started", "pipe_id", pipeID, "pid", worker.Pid(), "connection_id", connectionID)
	return nil
}

// scheduleKill kills worker if it is still running once the destroy
// grace period has passed. A zero grace period disables the kill.
func (s *Server) scheduleKill(worker *workerProcess) {
	grace := s.options.DestroyGrace
	if grace <= 0 {
		return
	}
	s.clock.AfterFunc(grace, func() {
		select {
		case <-worker.Done():
			return
		default:
		}
		s.logger.Warn("worker still running after destroy grace period, killing",
			"pipe_id", worker.pipeID,
			"pid", worker.Pid(),
			"grace", grace,
		)
		if err := worker.Kill(); err != nil {
			s.logger.Error("killing worker", "pipe_id", worker.pipeID, "error", err)
		}
	})
}
