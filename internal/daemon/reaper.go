// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
)

const siginfoSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// reap implements §4.6 the child-death reaper. Signal delivery is
// coalesced, so one readiness notification may correspond to many deaths:
// first every pending signalfd notification is drained (only SIGCHLD is
// expected; anything else is fatal), then waitpid is drained in a separate
// loop until no more zombies remain.
func (e *Engine) reap() error {
	buf := make([]byte, siginfoSize)
	for {
		n, err := unix.Read(e.sigfd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return fmt.Errorf("transport fatal: reading signalfd: %w", err)
		}
		if n < siginfoSize {
			break
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		if info.Signo != uint32(unix.SIGCHLD) {
			return &ProtocolError{Msg: fmt.Sprintf("unexpected signal %d on signalfd", info.Signo)}
		}
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				break
			}
			return fmt.Errorf("transport fatal: waitpid: %w", err)
		}
		if pid <= 0 {
			break
		}

		var code byte
		switch {
		case ws.Exited():
			code = byte(ws.ExitStatus())
		case ws.Signaled():
			code = byte(ws.Signal())
		default:
			continue
		}

		p := e.table.FindByPid(pid)
		if p == nil {
			// Reaped a pid that no table slot holds (a child this engine
			// did not spawn); nothing to report.
			continue
		}
		p.Pid = 0
		if err := protocol.WriteExitStatus(e.conn, p.ID, code); err != nil {
			return fmt.Errorf("transport fatal: emitting EXIT_STATUS: %w", err)
		}
		e.logger.Info("process exited", "id", p.ID, "pid", pid, "code", code)
	}
	return nil
}
