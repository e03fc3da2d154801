// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/usbexecd/usbexecd/internal/protocol"
)

// BootstrapSentinel is the hidden first argument that tells a re-exec'd
// copy of the daemon binary to run the child bootstrap (§4.7) instead of
// starting as a daemon. See SPEC_FULL.md §4.7-GO for why this replaces a
// bare fork(): Go's runtime cannot safely run arbitrary Go code between
// fork and exec, so the daemon re-execs itself with a known argv[1] and
// lets the re-exec'd process do the bootstrap before calling syscall.Exec.
const BootstrapSentinel = "__usbexecd_bootstrap"

// childBootstrapMaxCmd is the bound on the command buffer read from the
// control pipe, one byte of which is reserved for a terminating NUL
// (§4.7).
const childBootstrapMaxCmd = 1024

// childBootstrapMaxArgs is the cap on the number of argv entries, not
// counting the trailing NULL terminator (§4.7).
const childBootstrapMaxArgs = 255

// spawn implements the Go substitute for §4.5 OPEN's fork: it creates the
// four pipes, then re-execs the daemon binary with the sentinel argument,
// passing the four child-side pipe ends as ExtraFiles. Go's default
// FD_CLOEXEC on every fd the runtime itself opens reproduces "close every
// inherited fd" for free — but only for those fds; every raw fd this
// package opens directly (the controller socket, signalfd, the pipes)
// must be given CLOEXEC explicitly at creation, or it would leak into
// every re-exec'd child instead of being closed.
func (e *Engine) spawn(id byte) (*Process, error) {
	ctrl, ctrlChildFD, err := newOutboundStream(id, protocol.RoleCtrl)
	if err != nil {
		return nil, err
	}
	stdin, stdinChildFD, err := newOutboundStream(id, protocol.RoleStdin)
	if err != nil {
		return nil, err
	}
	stdout, stdoutChildFD, err := newInboundStream(id, protocol.RoleStdout)
	if err != nil {
		return nil, err
	}
	stderr, stderrChildFD, err := newInboundStream(id, protocol.RoleStderr)
	if err != nil {
		return nil, err
	}

	ctrlChild := os.NewFile(uintptr(ctrlChildFD), "ctrl-child")
	stdinChild := os.NewFile(uintptr(stdinChildFD), "stdin-child")
	stdoutChild := os.NewFile(uintptr(stdoutChildFD), "stdout-child")
	stderrChild := os.NewFile(uintptr(stderrChildFD), "stderr-child")
	defer ctrlChild.Close()
	defer stdinChild.Close()
	defer stdoutChild.Close()
	defer stderrChild.Close()

	cmd := exec.Command(e.selfPath, BootstrapSentinel)
	cmd.ExtraFiles = []*os.File{ctrlChild, stdinChild, stdoutChild, stderrChild}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("re-exec for id %d: %w", id, err)
	}

	return &Process{
		ID:     id,
		Pid:    cmd.Process.Pid,
		Ctrl:   ctrl,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

// MaybeRunChildBootstrap inspects os.Args for the bootstrap sentinel. If
// found, it runs the §4.7 child bootstrap and never returns: the process
// either becomes the target program via syscall.Exec, or exits nonzero on
// failure. If the sentinel is absent it returns false immediately so the
// caller proceeds with ordinary daemon startup.
func MaybeRunChildBootstrap() bool {
	if len(os.Args) < 2 || os.Args[1] != BootstrapSentinel {
		return false
	}
	runChildBootstrap()
	panic("unreachable: runChildBootstrap always exits or execs")
}

// runChildBootstrap implements §4.7: reads a NUL-delimited argv from fd 3
// (the control pipe), dup2's fds 4/5/6 onto stdin/stdout/stderr, closes the
// originals, and execs the named program. Any failure here is fatal, per
// spec.
func runChildBootstrap() {
	ctrl := os.NewFile(3, "ctrl")
	stdinR := os.NewFile(4, "stdin")
	stdoutW := os.NewFile(5, "stdout")
	stderrW := os.NewFile(6, "stderr")

	argv, err := readBootstrapArgv(ctrl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd bootstrap: %v\n", err)
		os.Exit(1)
	}
	ctrl.Close()

	if err := syscall.Dup2(int(stdinR.Fd()), 0); err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd bootstrap: dup2 stdin: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Dup2(int(stdoutW.Fd()), 1); err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd bootstrap: dup2 stdout: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Dup2(int(stderrW.Fd()), 2); err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd bootstrap: dup2 stderr: %v\n", err)
		os.Exit(1)
	}
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usbexecd bootstrap: empty argv")
		os.Exit(1)
	}
	path, lookErr := exec.LookPath(argv[0])
	if lookErr != nil {
		path = argv[0]
	}
	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd bootstrap: exec %q: %v\n", argv[0], err)
		os.Exit(1)
	}
}

// readBootstrapArgv reads the control pipe to EOF into a bounded buffer and
// splits it on NUL bytes into argv, capped at childBootstrapMaxArgs entries
// plus the implicit NULL terminator (§4.7).
func readBootstrapArgv(r *os.File) ([]string, error) {
	buf := make([]byte, 0, childBootstrapMaxCmd-1)
	chunk := make([]byte, 256)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if len(buf)+n > childBootstrapMaxCmd-1 {
				return nil, fmt.Errorf("command buffer exceeds %d bytes", childBootstrapMaxCmd-1)
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break // EOF (or any read error) ends argv collection
		}
	}

	var argv []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			argv = append(argv, string(buf[start:i]))
			start = i + 1
			if len(argv) >= childBootstrapMaxArgs {
				break
			}
		}
	}
	if start < len(buf) && len(argv) < childBootstrapMaxArgs {
		argv = append(argv, string(buf[start:]))
	}
	return argv, nil
}
