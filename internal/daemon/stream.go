// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
	"github.com/usbexecd/usbexecd/internal/ring"
)

// OutboundStream carries bytes from the daemon to a child: control and
// stdin. The daemon is the producer into its own ring (fed by the
// controller) and the consumer that drains the ring into the pipe once it
// is writable.
type OutboundStream struct {
	id   byte
	role protocol.Role
	fd   int // daemon-side write end, -1 once closed
	ring *ring.Buffer

	// credit is the number of bytes the daemon may still accept from the
	// controller into this stream's ring. §3: initial credit after OPEN is
	// exactly ring.Capacity.
	credit uint32
	eof    bool

	// writeReady tracks whether this stream is currently registered with
	// the demultiplexer for writable readiness, so handlers can decide
	// whether to (de)register idempotently.
	writeReady bool
}

func (s *OutboundStream) FD() int             { return s.fd }
func (s *OutboundStream) Role() protocol.Role { return s.role }
func (s *OutboundStream) ID() byte            { return s.id }
func (s *OutboundStream) Credit() uint32      { return s.credit }

// newOutboundStream creates a pipe pair, retains the write end for the
// daemon (non-blocking, CLOEXEC) and returns the read end for the child.
// Per §4.2 credit starts at ring.Capacity and an ACK granting that much
// credit is expected to be emitted by the caller immediately after.
func newOutboundStream(id byte, role protocol.Role) (*OutboundStream, int, error) {
	fds, err := unix.Pipe2(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		return nil, -1, fmt.Errorf("creating outbound pipe for stream %d/%s: %w", id, role, err)
	}
	readEnd, writeEnd := fds[0], fds[1]
	// Only the daemon-held end must be non-blocking; the child reads its
	// end with ordinary blocking semantics.
	if err := unix.SetNonblock(readEnd, false); err != nil {
		unix.Close(readEnd)
		unix.Close(writeEnd)
		return nil, -1, fmt.Errorf("clearing nonblock on child read end: %w", err)
	}
	return &OutboundStream{
		id:     id,
		role:   role,
		fd:     writeEnd,
		ring:   ring.New(),
		credit: ring.Capacity,
	}, readEnd, nil
}

// AcceptPayload implements §4.2 accept_payload: reads n bytes (n <= credit)
// from the controller into the ring, decrementing credit. It is fatal if
// eof is already set, and a protocol error if n exceeds current credit.
func (s *OutboundStream) AcceptPayload(e *Engine, n int) error {
	if s.eof {
		return &ProtocolError{Msg: fmt.Sprintf("WRITE to eof'd outbound stream %d/%s", s.id, s.role)}
	}
	if uint32(n) > s.credit {
		return &ProtocolError{Msg: fmt.Sprintf("WRITE of %d bytes exceeds credit %d on stream %d/%s", n, s.credit, s.id, s.role)}
	}
	wasEmpty := s.ring.Empty()
	remaining := n
	for remaining > 0 {
		span := s.ring.WritableContiguous()
		if len(span) > remaining {
			span = span[:remaining]
		}
		if _, err := io.ReadFull(e.conn, span); err != nil {
			return fmt.Errorf("reading WRITE payload for stream %d/%s: %w", s.id, s.role, err)
		}
		s.ring.Push(len(span))
		remaining -= len(span)
	}
	s.credit -= uint32(n)
	if wasEmpty && n > 0 {
		e.registerWritable(s)
	}
	return nil
}

// OnWritable implements §4.2 on_writable: drains the ring into fd via
// non-blocking writes, restores controller credit equal to bytes drained,
// and closes the stream once eof is set and the ring empties.
func (s *OutboundStream) OnWritable(e *Engine) error {
	drained := 0
	for !s.ring.Empty() {
		span := s.ring.ReadableContiguous()
		n, err := unix.Write(s.fd, span)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return fmt.Errorf("writing to child pipe for stream %d/%s: %w", s.id, s.role, err)
		}
		s.ring.Pop(n)
		drained += n
		if n < len(span) {
			break
		}
	}
	if s.ring.Empty() {
		e.unregisterWritable(s)
	}
	if drained > 0 {
		if err := protocol.WriteCredit(e.conn, s.id, s.role, uint32(drained)); err != nil {
			return fmt.Errorf("emitting ACK for stream %d/%s: %w", s.id, s.role, err)
		}
	}
	if s.eof && s.ring.Empty() {
		s.Close(e, true)
	}
	return nil
}

// Close implements §4.2 close(flush): marks eof, and if flush is allowed
// and the ring has drained, closes fd.
func (s *OutboundStream) Close(e *Engine, flush bool) {
	s.eof = true
	if flush && s.ring.Empty() && s.fd != -1 {
		e.unregisterWritable(s)
		unix.Close(s.fd)
		s.fd = -1
	}
}

// InboundStream carries bytes from a child to the daemon and on to the
// controller: stdout and stderr. The daemon is the producer that drains the
// pipe into the ring, and the consumer that forwards ring bytes to the
// controller, gated by controller-granted credit.
type InboundStream struct {
	id   byte
	role protocol.Role
	fd   int // daemon-side read end, -1 once closed
	ring *ring.Buffer

	// credit is the number of bytes the controller has declared itself
	// willing to receive on this stream. §3: initial credit is 0.
	credit uint32
	eof    bool

	readReady bool
}

func (s *InboundStream) FD() int            { return s.fd }
func (s *InboundStream) Role() protocol.Role { return s.role }
func (s *InboundStream) ID() byte            { return s.id }
func (s *InboundStream) Credit() uint32      { return s.credit }

// newInboundStream creates a pipe pair, retains the read end for the daemon
// (non-blocking) and returns the write end for the child.
func newInboundStream(id byte, role protocol.Role) (*InboundStream, int, error) {
	fds, err := unix.Pipe2(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		return nil, -1, fmt.Errorf("creating inbound pipe for stream %d/%s: %w", id, role, err)
	}
	readEnd, writeEnd := fds[0], fds[1]
	if err := unix.SetNonblock(writeEnd, false); err != nil {
		unix.Close(readEnd)
		unix.Close(writeEnd)
		return nil, -1, fmt.Errorf("clearing nonblock on child write end: %w", err)
	}
	return &InboundStream{
		id:   id,
		role: role,
		fd:   readEnd,
		ring: ring.New(),
	}, writeEnd, nil
}

// OnReadable implements §4.3 on_readable: reads from fd into the ring while
// space remains and the pipe has data, stopping on EAGAIN or a zero-length
// read (which sets eof). After reading it forwards whatever the current
// credit allows.
func (s *InboundStream) OnReadable(e *Engine) error {
	for !s.ring.Full() {
		span := s.ring.WritableContiguous()
		n, err := unix.Read(s.fd, span)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return fmt.Errorf("reading child pipe for stream %d/%s: %w", s.id, s.role, err)
		}
		if n == 0 {
			s.eof = true
			break
		}
		s.ring.Push(n)
	}
	if s.ring.Full() {
		e.unregisterReadable(s)
	}
	if s.credit > 0 && !s.ring.Empty() {
		if err := s.forward(e, s.ring.Len()); err != nil {
			return err
		}
	}
	// forward only ever unregisters (on credit exhaustion); re-arm here if
	// draining the ring left room and credit to read more (§4.3: a stream
	// must be registered for readable-readiness whenever credit > 0 and the
	// ring has free space).
	if s.credit > 0 && !s.ring.Full() {
		e.registerReadable(s)
	}
	if s.eof && s.ring.Empty() {
		s.Close(e, true)
	}
	return nil
}

// GrantCredit implements §4.3 grant_credit: adds k to credit (re-arming
// readable-readiness if credit was exhausted), then forwards whatever the
// ring already holds, up to the new credit.
func (s *InboundStream) GrantCredit(e *Engine, k uint32) error {
	if s.credit == 0 && k > 0 {
		e.registerReadable(s)
	}
	s.credit += k
	if !s.ring.Empty() {
		want := s.ring.Len()
		if uint32(want) > s.credit {
			want = int(s.credit)
		}
		if err := s.forward(e, want); err != nil {
			return err
		}
	}
	if s.credit > 0 && !s.ring.Full() {
		e.registerReadable(s)
	}
	return nil
}

// forward implements §4.3.1: transmits m bytes from the ring to the
// controller socket as a sequence of WRITE_* frames of at most 255 bytes
// each, decrementing credit by the total written. If credit reaches zero,
// readable-readiness is unregistered so the pipe is not drained beyond what
// can be forwarded.
func (s *InboundStream) forward(e *Engine, requested int) error {
	m := requested
	if m > s.ring.Len() {
		m = s.ring.Len()
	}
	if uint32(m) > s.credit {
		m = int(s.credit)
	}
	total := 0
	for m > 0 {
		k := m
		if k > protocol.MaxPayload {
			k = protocol.MaxPayload
		}
		span := s.ring.ReadableContiguous()
		if len(span) > k {
			span = span[:k]
		}
		if err := protocol.WriteData(e.conn, s.id, s.role, span); err != nil {
			return fmt.Errorf("forwarding stream %d/%s: %w", s.id, s.role, err)
		}
		s.ring.Pop(len(span))
		total += len(span)
		m -= len(span)
	}
	s.credit -= uint32(total)
	if s.credit == 0 {
		e.unregisterReadable(s)
	}
	return nil
}

// Close implements §4.3 close(flush): marks eof; if the ring has drained
// (or flush is disallowed), closes fd and emits CLOSE_{STDOUT|STDERR}.
func (s *InboundStream) Close(e *Engine, flush bool) {
	s.eof = true
	if (!flush || s.ring.Empty()) && s.fd != -1 {
		e.unregisterReadable(s)
		unix.Close(s.fd)
		s.fd = -1
		if err := protocol.WriteClose(e.conn, s.id, s.role); err != nil {
			e.logger.Error("emitting CLOSE frame failed", "stream", s.id, "role", s.role.String(), "err", err)
		}
	}
}
