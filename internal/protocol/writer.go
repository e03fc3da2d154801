// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// WriteHeader writes a 4-byte frame header to w.
func WriteHeader(w io.Writer, h Header) error {
	buf := [4]byte{byte(h.Cmd), h.ID, h.Arg, h.Len}
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

// WriteFrame writes a header followed by its payload in one logical unit;
// per §5 the daemon emits the header and entire payload for one frame
// before starting another, so callers must not interleave writes to w
// between WriteFrame calls.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if int(h.Len) != len(payload) {
		return fmt.Errorf("writing frame: len field %d does not match payload length %d", h.Len, len(payload))
	}
	if err := WriteHeader(w, h); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// WriteCredit writes an ACK_* frame granting credit to the peer on the
// stream identified by id/role, encoded little-endian in CreditWidth bytes
// per §4.4.
func WriteCredit(w io.Writer, id byte, role Role, credit uint32) error {
	payload, err := EncodeCredit(credit, CreditWidth)
	if err != nil {
		return fmt.Errorf("encoding credit: %w", err)
	}
	h := Header{Cmd: AckCmd(role), ID: id, Arg: 0, Len: byte(len(payload))}
	return WriteFrame(w, h, payload)
}

// WriteClose writes a CLOSE_* half-close frame for the stream identified by
// id/role.
func WriteClose(w io.Writer, id byte, role Role) error {
	return WriteHeader(w, Header{Cmd: CloseCmd(role), ID: id})
}

// WriteCloseAck writes the CLOSE_ACK frame emitted in response to a
// controller CLOSE command.
func WriteCloseAck(w io.Writer, id byte) error {
	return WriteHeader(w, Header{Cmd: CmdCloseAck, ID: id, Arg: CloseAckArg})
}

// WriteExitStatus writes the EXIT_STATUS frame for a reaped process.
func WriteExitStatus(w io.Writer, id byte, code byte) error {
	return WriteHeader(w, Header{Cmd: CmdExitStatus, ID: id, Arg: code})
}

// WriteData writes a WRITE_* frame carrying up to MaxPayload bytes of
// stream data.
func WriteData(w io.Writer, id byte, role Role, data []byte) error {
	if len(data) > MaxPayload {
		return fmt.Errorf("writing data frame: payload of %d bytes exceeds max %d", len(data), MaxPayload)
	}
	h := Header{Cmd: WriteCmd(role), ID: id, Arg: 0, Len: byte(len(data))}
	return WriteFrame(w, h, data)
}
