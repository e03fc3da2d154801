// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
	"github.com/usbexecd/usbexecd/internal/ring"
)

// TestMain lets this test binary double as the re-exec'd bootstrap helper:
// when invoked with the sentinel argument (by spawn, via os/exec), it never
// reaches m.Run() — it becomes the child bootstrap instead. This mirrors
// the same guard cmd/usbexecd/main.go installs in production.
func TestMain(m *testing.M) {
	MaybeRunChildBootstrap()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an Engine whose controller socket is one end of a
// socketpair, returning the other end for the test to drive as the
// controller.
func newTestEngine(t *testing.T) (*Engine, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	// The controller side must be non-blocking so os.File supports the
	// read/write deadlines the tests poll with.
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	engineSide := os.NewFile(uintptr(fds[0]), "engine-side")
	controllerSide := os.NewFile(uintptr(fds[1]), "controller-side")

	e, err := NewEngine(engineSide, self, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, controllerSide
}

func readFrame(t *testing.T, r io.Reader) (protocol.Header, []byte) {
	t.Helper()
	h, err := protocol.ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	payload, err := protocol.ReadPayload(r, h.Len)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	return h, payload
}

// TestScenarioA_Echo reproduces spec.md §8 Scenario A: OPEN a process
// running /bin/cat, send it argv via WRITE_CTRL, close the control pipe so
// the bootstrap execs, write "hello" on stdin, and expect it echoed back on
// a WRITE_STDOUT frame once stdout credit has been granted.
func TestScenarioA_Echo(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available in this environment")
	}

	e, ctrlConn := newTestEngine(t)
	defer ctrlConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	const id byte = 7

	if err := protocol.WriteHeader(ctrlConn, protocol.Header{Cmd: protocol.CmdOpen, ID: id}); err != nil {
		t.Fatalf("writing OPEN: %v", err)
	}

	// Expect ACK_CTRL and ACK_STDIN each granting ring.Capacity credit.
	seenCtrlAck, seenStdinAck := false, false
	for i := 0; i < 2; i++ {
		h, payload := readFrame(t, ctrlConn)
		switch h.Cmd {
		case protocol.AckCmd(protocol.RoleCtrl):
			seenCtrlAck = true
			if protocol.DecodeCredit(payload) != ring.Capacity {
				t.Fatalf("ctrl initial credit = %d, want %d", protocol.DecodeCredit(payload), ring.Capacity)
			}
		case protocol.AckCmd(protocol.RoleStdin):
			seenStdinAck = true
			if protocol.DecodeCredit(payload) != ring.Capacity {
				t.Fatalf("stdin initial credit = %d, want %d", protocol.DecodeCredit(payload), ring.Capacity)
			}
		default:
			t.Fatalf("unexpected frame after OPEN: %+v", h)
		}
	}
	if !seenCtrlAck || !seenStdinAck {
		t.Fatal("missing initial ACK_CTRL/ACK_STDIN after OPEN")
	}

	// Grant stdout credit up front so the echoed bytes can be forwarded.
	if err := protocol.WriteCredit(ctrlConn, id, protocol.RoleStdout, 64); err != nil {
		t.Fatalf("writing ACK_STDOUT: %v", err)
	}

	argv := "/bin/cat\x00"
	if err := protocol.WriteData(ctrlConn, id, protocol.RoleCtrl, []byte(argv)); err != nil {
		t.Fatalf("writing WRITE_CTRL: %v", err)
	}
	if err := protocol.WriteClose(ctrlConn, id, protocol.RoleCtrl); err != nil {
		t.Fatalf("writing CLOSE_CTRL: %v", err)
	}

	if err := protocol.WriteData(ctrlConn, id, protocol.RoleStdin, []byte("hello")); err != nil {
		t.Fatalf("writing WRITE_STDIN: %v", err)
	}

	// Drain frames until the echoed "hello" shows up on WRITE_STDOUT,
	// tolerating interleaved ACK_CTRL/ACK_STDIN (drain credit) and other
	// bookkeeping frames.
	deadline := time.Now().Add(8 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		ctrlConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		h, payload := readFrameTolerant(t, ctrlConn)
		if h == nil {
			continue
		}
		if h.Cmd == protocol.WriteCmd(protocol.RoleStdout) {
			got = append(got, payload...)
			if string(got) == "hello" {
				break
			}
		}
	}
	if string(got) != "hello" {
		t.Fatalf("echoed stdout = %q, want %q", got, "hello")
	}

	cancel()
	<-runErr
}

// readFrameTolerant is readFrame but returns (nil, nil) on a read timeout
// instead of failing the test, for polling loops against a live engine.
func readFrameTolerant(t *testing.T, r *os.File) (*protocol.Header, []byte) {
	t.Helper()
	h, err := protocol.ReadHeader(r)
	if err != nil {
		return nil, nil
	}
	payload, err := protocol.ReadPayload(r, h.Len)
	if err != nil {
		return nil, nil
	}
	return &h, payload
}
