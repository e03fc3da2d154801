// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
	"github.com/usbexecd/usbexecd/internal/ring"
)

// newTestInbound builds an InboundStream backed by a real pipe, returning the
// stream and the child-side write end for the test to feed bytes into.
func newTestInbound(t *testing.T, id byte, role protocol.Role) (*InboundStream, *os.File) {
	t.Helper()
	s, childFD, err := newInboundStream(id, role)
	if err != nil {
		t.Fatalf("newInboundStream: %v", err)
	}
	return s, os.NewFile(uintptr(childFD), "child-write")
}

// fillRing writes n bytes (n >= ring.Capacity forces a full ring) into the
// stream's pipe and returns once the write has been accepted by the kernel.
func fillRing(t *testing.T, child *os.File, n int) {
	t.Helper()
	buf := make([]byte, n)
	for written := 0; written < n; {
		m, err := child.Write(buf[written:])
		if err != nil {
			t.Fatalf("writing to child pipe: %v", err)
		}
		written += m
	}
}

// TestInboundStreamOnReadableRearmsAfterFullRingDrain is a regression test:
// a burst that fills the ring while ample credit is already available must
// leave the stream re-armed for readable-readiness once forward() drains
// it back below capacity, not stuck unregistered for the rest of the
// process's life (spec.md §4.3's re-registration invariant).
func TestInboundStreamOnReadableRearmsAfterFullRingDrain(t *testing.T) {
	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	s, child := newTestInbound(t, 1, protocol.RoleStdout)
	defer child.Close()

	s.credit = 5000 // ample credit granted up front, well above one ring's worth
	fillRing(t, child, ring.Capacity+100)

	if err := s.OnReadable(e); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}

	if s.ring.Full() {
		t.Fatal("ring should have drained via forward(), not stayed full")
	}
	if s.credit == 0 {
		t.Fatalf("credit should remain positive after forwarding one ring's worth, got %d", s.credit)
	}
	if !s.readReady {
		t.Fatal("stream must be re-armed for readable-readiness: credit > 0 and ring has free space")
	}

	// Drain the frames forward() produced so the socket buffer doesn't pin
	// the write; content isn't the point of this test, only the re-arm.
	drainFrames(t, ctrlConn, ring.Capacity)
}

// TestInboundStreamGrantCreditRearmsAfterPartialDrain exercises the
// GrantCredit path directly: a stream sitting at a full, unregistered ring
// with zero credit must end up re-armed once credit arrives and forward()
// drains the ring back down, leaving positive credit behind.
func TestInboundStreamGrantCreditRearmsAfterPartialDrain(t *testing.T) {
	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	s, child := newTestInbound(t, 2, protocol.RoleStdout)
	defer child.Close()

	fillRing(t, child, ring.Capacity)
	if err := s.OnReadable(e); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if !s.ring.Full() || s.readReady {
		t.Fatalf("setup invariant broken: ring.Full()=%v readReady=%v, want full+unregistered (credit=0)", s.ring.Full(), s.readReady)
	}

	if err := s.GrantCredit(e, 5000); err != nil {
		t.Fatalf("GrantCredit: %v", err)
	}

	if s.credit == 0 {
		t.Fatal("expected positive credit remaining after draining one ring's worth of a 5000 grant")
	}
	if !s.readReady {
		t.Fatal("stream must be re-armed for readable-readiness after GrantCredit drains the ring")
	}

	drainFrames(t, ctrlConn, ring.Capacity)
}

// TestInboundStreamGrantCreditExhaustsCreditStaysUnregistered is the
// complementary case: when credit is fully consumed by the drain, the
// stream must stay unregistered (there is nothing useful to read into yet).
func TestInboundStreamGrantCreditExhaustsCreditStaysUnregistered(t *testing.T) {
	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	s, child := newTestInbound(t, 3, protocol.RoleStdout)
	defer child.Close()

	fillRing(t, child, ring.Capacity)
	if err := s.OnReadable(e); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}

	if err := s.GrantCredit(e, ring.Capacity); err != nil {
		t.Fatalf("GrantCredit: %v", err)
	}

	if s.credit != 0 {
		t.Fatalf("expected credit fully exhausted, got %d", s.credit)
	}
	if s.readReady {
		t.Fatal("stream with zero remaining credit must not be registered for readable-readiness")
	}

	drainFrames(t, ctrlConn, ring.Capacity)
}

// TestOutboundStreamAcceptPayloadRejectsOverCredit covers §4.2's fatal
// protocol-error path: a WRITE that exceeds the declared credit must not be
// silently truncated or accepted.
func TestOutboundStreamAcceptPayloadRejectsOverCredit(t *testing.T) {
	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	s, childFD, err := newOutboundStream(4, protocol.RoleStdin)
	if err != nil {
		t.Fatalf("newOutboundStream: %v", err)
	}
	defer unix.Close(childFD)
	s.credit = 10

	if err := ctrlConn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline: %v", err)
	}
	if _, err := ctrlConn.Write(make([]byte, 20)); err != nil {
		t.Fatalf("writing oversize payload to controller side: %v", err)
	}

	err = s.AcceptPayload(e, 20)
	if err == nil {
		t.Fatal("expected a protocol error for a WRITE exceeding credit")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

// TestOutboundStreamAcceptPayloadRestoresCreditOnDrain exercises the
// restore-credit-on-drain half of §4.2: accepting a payload within credit,
// then draining it to the (here, already-open) child pipe must emit an ACK
// equal to the bytes drained.
func TestOutboundStreamAcceptPayloadRestoresCreditOnDrain(t *testing.T) {
	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	s, childFD, err := newOutboundStream(5, protocol.RoleStdin)
	if err != nil {
		t.Fatalf("newOutboundStream: %v", err)
	}
	// Non-blocking so os.File supports the read deadline used below.
	if err := unix.SetNonblock(childFD, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	child := os.NewFile(uintptr(childFD), "child-read")
	defer child.Close()
	s.credit = ring.Capacity

	payload := []byte("hello")
	if err := ctrlConn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline: %v", err)
	}
	if _, err := ctrlConn.Write(payload); err != nil {
		t.Fatalf("writing payload to controller side: %v", err)
	}
	if err := s.AcceptPayload(e, len(payload)); err != nil {
		t.Fatalf("AcceptPayload: %v", err)
	}
	if s.credit != ring.Capacity-uint32(len(payload)) {
		t.Fatalf("credit = %d, want %d", s.credit, ring.Capacity-uint32(len(payload)))
	}

	if err := s.OnWritable(e); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}

	got := make([]byte, len(payload))
	if err := child.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, err := io.ReadFull(child, got); err != nil {
		t.Fatalf("reading drained bytes from child pipe: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("drained bytes = %q, want %q", got, "hello")
	}

	if err := ctrlConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	h, ackPayload := readFrame(t, ctrlConn)
	if h.Cmd != protocol.AckCmd(protocol.RoleStdin) {
		t.Fatalf("expected ACK_STDIN, got cmd %#x", h.Cmd)
	}
	if protocol.DecodeCredit(ackPayload) != uint32(len(payload)) {
		t.Fatalf("ACK credit = %d, want %d", protocol.DecodeCredit(ackPayload), len(payload))
	}
}

// drainFrames reads frames off r until at least total bytes of WRITE_*
// payload have been observed, or the read deadline is exceeded; it exists
// only to unblock a forwarding stream under test, not to assert on content.
func drainFrames(t *testing.T, r *os.File, total int) {
	t.Helper()
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := 0
	for seen < total {
		h, err := protocol.ReadHeader(r)
		if err != nil {
			return
		}
		payload, err := protocol.ReadPayload(r, h.Len)
		if err != nil {
			return
		}
		seen += len(payload)
	}
}
