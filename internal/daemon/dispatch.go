// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/protocol"
	"github.com/usbexecd/usbexecd/internal/ring"
)

// onControllerReadable implements §4.5 protocol dispatch: reads one 4-byte
// header (blocking within the handler, per §5, until it arrives) and routes
// it to the matching command handler.
func (e *Engine) onControllerReadable() error {
	h, err := protocol.ReadHeader(e.conn)
	if err != nil {
		return fmt.Errorf("transport fatal: %w", err)
	}

	switch {
	case h.Cmd == protocol.CmdReset:
		e.logger.Info("RESET received, shutting down")
		return errReset

	case h.Cmd == protocol.CmdOpen:
		return e.handleOpen(h.ID)

	case h.Cmd == protocol.CmdClose:
		return e.handleClose(h.ID)

	case h.Cmd == protocol.CmdKill:
		return e.handleKill(h.ID, h.Arg)

	case protocol.InBand(h.Cmd, protocol.CmdWriteBase):
		role := protocol.RoleOf(h.Cmd, protocol.CmdWriteBase)
		return e.handleWrite(h.ID, role, h.Len)

	case protocol.InBand(h.Cmd, protocol.CmdAckBase):
		role := protocol.RoleOf(h.Cmd, protocol.CmdAckBase)
		return e.handleAck(h.ID, role, h.Len)

	case protocol.InBand(h.Cmd, protocol.CmdCloseBase):
		role := protocol.RoleOf(h.Cmd, protocol.CmdCloseBase)
		return e.handleCloseStream(h.ID, role)

	default:
		return &ProtocolError{Msg: fmt.Sprintf("unknown command %#x", h.Cmd)}
	}
}

// handleOpen implements §4.5 OPEN: allocates a Process, wires four streams
// via the re-exec child bootstrap (§4.7-GO), and records the pid.
func (e *Engine) handleOpen(id byte) error {
	if e.table.Get(id) != nil {
		return &ProtocolError{Msg: fmt.Sprintf("OPEN on already-allocated id %d", id)}
	}

	p, err := e.spawn(id)
	if err != nil {
		return fmt.Errorf("transport fatal: OPEN id %d: %w", id, err)
	}
	if err := e.table.Allocate(p); err != nil {
		return err
	}

	// Inbound streams register for readable-readiness immediately (§4.3
	// init); outbound streams announce their initial credit (§4.2 init).
	e.registerReadable(p.Stdout)
	e.registerReadable(p.Stderr)
	if err := protocol.WriteCredit(e.conn, id, protocol.RoleCtrl, ring.Capacity); err != nil {
		return fmt.Errorf("transport fatal: announcing ctrl credit: %w", err)
	}
	if err := protocol.WriteCredit(e.conn, id, protocol.RoleStdin, ring.Capacity); err != nil {
		return fmt.Errorf("transport fatal: announcing stdin credit: %w", err)
	}

	e.logger.Info("process opened", "id", id, "pid", p.Pid)
	return nil
}

// handleClose implements §4.5 CLOSE: SIGKILL + synchronous waitpid if
// still alive, then closes all four streams with flush disallowed and frees
// the slot.
func (e *Engine) handleClose(id byte) error {
	p := e.table.Get(id)
	if p == nil {
		return &ProtocolError{Msg: fmt.Sprintf("CLOSE on empty id %d", id)}
	}
	e.reapOne(p, true)
	e.table.Free(id)
	if err := protocol.WriteCloseAck(e.conn, id); err != nil {
		return fmt.Errorf("transport fatal: emitting CLOSE_ACK: %w", err)
	}
	e.logger.Info("process closed", "id", id)
	return nil
}

// reapOne forces a process's streams closed (flush disallowed) and, if it
// is still alive, kills and synchronously waits for it. It does not free
// the table slot or emit CLOSE_ACK — callers decide that.
func (e *Engine) reapOne(p *Process, kill bool) {
	if kill && p.Pid != 0 {
		unix.Kill(p.Pid, unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(p.Pid, &ws, 0, nil)
		p.Pid = 0
	}
	p.Ctrl.Close(e, false)
	p.Stdin.Close(e, false)
	// OutboundStream.Close only releases fd when flushing an empty ring; a
	// forced close releases it regardless of what is still buffered.
	for _, s := range []*OutboundStream{p.Ctrl, p.Stdin} {
		if s.fd != -1 {
			e.unregisterWritable(s)
			unix.Close(s.fd)
			s.fd = -1
		}
	}
	p.Stdout.Close(e, false)
	p.Stderr.Close(e, false)
}

// handleKill implements §4.5 KILL: delivers signo to the process if still
// alive.
func (e *Engine) handleKill(id byte, signo byte) error {
	p := e.table.Get(id)
	if p == nil {
		return &ProtocolError{Msg: fmt.Sprintf("KILL on empty id %d", id)}
	}
	if p.Pid != 0 {
		if err := unix.Kill(p.Pid, unix.Signal(signo)); err != nil {
			e.logger.Warn("kill failed", "id", id, "pid", p.Pid, "signal", signo, "err", err)
		}
	}
	return nil
}

// handleWrite implements §4.5 WRITE_{CTRL,STDIN}: routes the payload to
// the corresponding outbound stream.
func (e *Engine) handleWrite(id byte, role protocol.Role, length byte) error {
	p := e.table.Get(id)
	if p == nil {
		return &ProtocolError{Msg: fmt.Sprintf("WRITE on empty id %d", id)}
	}
	var s *OutboundStream
	switch role {
	case protocol.RoleCtrl:
		s = p.Ctrl
	case protocol.RoleStdin:
		s = p.Stdin
	default:
		return &ProtocolError{Msg: fmt.Sprintf("WRITE targets non-outbound role %s", role)}
	}
	return s.AcceptPayload(e, int(length))
}

// handleAck implements §4.5 ACK_{STDOUT,STDERR}: parses the credit payload
// and routes it to the corresponding inbound stream.
func (e *Engine) handleAck(id byte, role protocol.Role, length byte) error {
	p := e.table.Get(id)
	if p == nil {
		return &ProtocolError{Msg: fmt.Sprintf("ACK on empty id %d", id)}
	}
	var s *InboundStream
	switch role {
	case protocol.RoleStdout:
		s = p.Stdout
	case protocol.RoleStderr:
		s = p.Stderr
	default:
		return &ProtocolError{Msg: fmt.Sprintf("ACK targets non-inbound role %s", role)}
	}
	credit, err := protocol.ReadCredit(e.conn, length)
	if err != nil {
		return fmt.Errorf("transport fatal: %w", err)
	}
	return s.GrantCredit(e, credit)
}

// handleCloseStream implements §4.5 CLOSE_{CTRL,STDIN,STDOUT,STDERR}.
func (e *Engine) handleCloseStream(id byte, role protocol.Role) error {
	p := e.table.Get(id)
	if p == nil {
		return &ProtocolError{Msg: fmt.Sprintf("CLOSE_%s on empty id %d", role, id)}
	}
	switch role {
	case protocol.RoleCtrl:
		p.Ctrl.Close(e, true)
	case protocol.RoleStdin:
		p.Stdin.Close(e, true)
	case protocol.RoleStdout:
		p.Stdout.Close(e, true)
	case protocol.RoleStderr:
		p.Stderr.Close(e, true)
	}
	return nil
}
