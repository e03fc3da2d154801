// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package daemon implements the usbexecd multiplexing engine: the
// readiness-based event loop, the process table, per-stream flow control,
// and the child-death reaper. The engine is single-threaded and
// cooperative: exactly one goroutine ever touches the ProcessTable, the
// rings, or the demultiplexer registrations (see spec.md §5), so none of
// it is guarded by locks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
)

// errReset is returned internally by the dispatch loop to unwind Run
// cleanly after a RESET command, distinguishing it from a fatal error.
var errReset = errors.New("daemon: RESET received")

type targetKind int

const (
	targetController targetKind = iota
	targetSignal
	targetOutbound
	targetInbound
)

type target struct {
	kind targetKind
	id   byte
	role protocol.Role
}

// Engine owns the controller socket, the epoll handle, the signal source,
// and the process table: the "single Daemon value" of spec.md §9,
// constructed once at startup and passed by reference to every handler.
type Engine struct {
	conn   *os.File
	epfd   int
	sigfd  int
	logger *slog.Logger
	table  *ProcessTable

	selfPath string
	targets  map[int]target

	diagnostics *Diagnostics
}

// Connect opens a stream-oriented Unix domain socket and connects it to
// path, the sole positional CLI argument per spec.md §6.
func Connect(path string) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating controller socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to controller at %q: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// NewEngine builds an Engine around an already-connected controller socket.
// It creates the epoll instance, registers the socket, and sets up the
// SIGCHLD signalfd per §4.6/§6 (SIGCHLD is the only signal observed; it is
// blocked in the process mask and delivered via a readable fd).
func NewEngine(conn *os.File, selfPath string, logger *slog.Logger) (*Engine, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}

	var mask unix.Sigset_t
	sigsetAdd(&mask, unix.SIGCHLD)
	if err := unix.SigprocMask(unix.SIG_BLOCK, &mask, nil); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("blocking SIGCHLD: %w", err)
	}
	sigfd, err := unix.Signalfd(-1, &mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating signalfd: %w", err)
	}

	e := &Engine{
		conn:     conn,
		epfd:     epfd,
		sigfd:    sigfd,
		logger:   logger,
		table:    &ProcessTable{},
		selfPath: selfPath,
		targets:  make(map[int]target),
	}

	if err := e.epollAdd(int(conn.Fd()), unix.EPOLLIN, target{kind: targetController}); err != nil {
		return nil, fmt.Errorf("registering controller socket: %w", err)
	}
	if err := e.epollAdd(sigfd, unix.EPOLLIN, target{kind: targetSignal}); err != nil {
		return nil, fmt.Errorf("registering signalfd: %w", err)
	}
	return e, nil
}

// SetDiagnostics attaches an optional diagnostics reporter; see
// diagnostics.go. It is purely observational and never influences dispatch.
func (e *Engine) SetDiagnostics(d *Diagnostics) { e.diagnostics = d }

// Table exposes the process table for the diagnostics reporter and tests.
func (e *Engine) Table() *ProcessTable { return e.table }

// RunDiagnostics blocks running the attached diagnostics reporter until ctx
// is cancelled. It is a no-op if SetDiagnostics was never called.
func (e *Engine) RunDiagnostics(ctx context.Context) {
	if e.diagnostics == nil {
		return
	}
	e.diagnostics.Run(ctx)
}

// Run drives the event loop until RESET, ctx cancellation, or a fatal
// error. On RESET or ctx cancellation it performs an orderly reap of any
// still-live children (the Open Question resolution documented in
// DESIGN.md / SPEC_FULL.md) before returning nil.
func (e *Engine) Run(ctx context.Context) error {
	const maxEvents = 32
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		default:
		}

		n, err := unix.EpollWait(e.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			t, ok := e.targets[fd]
			if !ok {
				continue // stale event for an already-closed fd; benign
			}

			var derr error
			switch t.kind {
			case targetController:
				derr = e.onControllerReadable()
			case targetSignal:
				derr = e.reap()
			case targetOutbound:
				derr = e.onOutboundWritable(t)
			case targetInbound:
				derr = e.onInboundReadable(t)
			}

			if derr != nil {
				if errors.Is(derr, errReset) {
					e.shutdown()
					return nil
				}
				return derr
			}
		}
	}
}

func (e *Engine) shutdown() {
	for _, p := range e.table.All() {
		e.reapOne(p, true)
	}
}

func (e *Engine) epollAdd(fd int, events uint32, t target) error {
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return err
	}
	e.targets[fd] = t
	return nil
}

func (e *Engine) epollDel(fd int) {
	unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(e.targets, fd)
}

func (e *Engine) registerWritable(s *OutboundStream) {
	if s.writeReady || s.fd == -1 {
		return
	}
	if err := e.epollAdd(s.fd, unix.EPOLLOUT, target{kind: targetOutbound, id: s.id, role: s.role}); err != nil {
		e.logger.Error("registering writable readiness failed", "stream", s.id, "role", s.role.String(), "err", err)
		return
	}
	s.writeReady = true
}

func (e *Engine) unregisterWritable(s *OutboundStream) {
	if !s.writeReady {
		return
	}
	e.epollDel(s.fd)
	s.writeReady = false
}

func (e *Engine) registerReadable(s *InboundStream) {
	if s.readReady || s.fd == -1 {
		return
	}
	if err := e.epollAdd(s.fd, unix.EPOLLIN, target{kind: targetInbound, id: s.id, role: s.role}); err != nil {
		e.logger.Error("registering readable readiness failed", "stream", s.id, "role", s.role.String(), "err", err)
		return
	}
	s.readReady = true
}

func (e *Engine) unregisterReadable(s *InboundStream) {
	if !s.readReady {
		return
	}
	e.epollDel(s.fd)
	s.readReady = false
}

func (e *Engine) onOutboundWritable(t target) error {
	p := e.table.Get(t.id)
	if p == nil {
		return &ProtocolError{Msg: "writable readiness on an empty process slot"}
	}
	s := e.streamByRole(p, t.role)
	out, ok := s.(*OutboundStream)
	if !ok {
		return &ProtocolError{Msg: "writable readiness on a non-outbound role"}
	}
	return out.OnWritable(e)
}

func (e *Engine) onInboundReadable(t target) error {
	p := e.table.Get(t.id)
	if p == nil {
		return &ProtocolError{Msg: "readable readiness on an empty process slot"}
	}
	s := e.streamByRole(p, t.role)
	in, ok := s.(*InboundStream)
	if !ok {
		return &ProtocolError{Msg: "readable readiness on a non-inbound role"}
	}
	return in.OnReadable(e)
}

func (e *Engine) streamByRole(p *Process, role protocol.Role) stream {
	switch role {
	case protocol.RoleCtrl:
		return p.Ctrl
	case protocol.RoleStdin:
		return p.Stdin
	case protocol.RoleStdout:
		return p.Stdout
	case protocol.RoleStderr:
		return p.Stderr
	default:
		return nil
	}
}

func sigsetAdd(set *unix.Sigset_t, sig unix.Signal) {
	// unix.Sigset_t.Val is a [16]uint64 bitmask; sig-1 is its bit position.
	word := (sig - 1) / 64
	bit := uint64(1) << (uint(sig-1) % 64)
	set.Val[word] |= bit
}
