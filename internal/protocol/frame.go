// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the usbexecd wire protocol: a fixed 4-byte
// frame header, optionally followed by a length-prefixed payload.
package protocol

import "errors"

// Role identifies which of a process's four streams a per-stream command
// targets.
type Role byte

const (
	RoleCtrl   Role = 0
	RoleStdin  Role = 1
	RoleStdout Role = 2
	RoleStderr Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleCtrl:
		return "ctrl"
	case RoleStdin:
		return "stdin"
	case RoleStdout:
		return "stdout"
	case RoleStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Command is the first byte of every frame header.
type Command byte

// Process-lifecycle commands.
const (
	CmdReset      Command = 0x00
	CmdOpen       Command = 0x01
	CmdClose      Command = 0x02
	CmdKill       Command = 0x03
	CmdExitStatus Command = 0x05
	CmdCloseAck   Command = 0x06
)

// Per-stream command bands. Within a band, cmd - base == role.
const (
	CmdWriteBase Command = 0x10 // WRITE_CTRL, WRITE_STDIN, WRITE_STDOUT, WRITE_STDERR
	CmdAckBase   Command = 0x20 // ACK_CTRL, ACK_STDIN, ACK_STDOUT, ACK_STDERR
	CmdCloseBase Command = 0x30 // CLOSE_CTRL, CLOSE_STDIN, CLOSE_STDOUT, CLOSE_STDERR
)

// WriteCmd returns the WRITE_* command for role.
func WriteCmd(role Role) Command { return CmdWriteBase + Command(role) }

// AckCmd returns the ACK_* command for role.
func AckCmd(role Role) Command { return CmdAckBase + Command(role) }

// CloseCmd returns the CLOSE_* command for role.
func CloseCmd(role Role) Command { return CmdCloseBase + Command(role) }

// RoleOf extracts the role encoded in a per-stream command, given the band's
// base command. The caller is expected to already know which band cmd
// belongs to.
func RoleOf(cmd, base Command) Role { return Role(cmd - base) }

// InBand reports whether cmd falls in [base, base+4).
func InBand(cmd, base Command) bool {
	return cmd >= base && cmd < base+4
}

// CloseAckArg is the sentinel arg value of a CLOSE_ACK frame.
const CloseAckArg = 255

// CreditWidth is the fixed on-wire byte width of a credit value. The spec's
// open question about host-native width is resolved here: credit is always
// encoded little-endian, 4 bytes wide, regardless of in-memory integer
// width (see DESIGN.md).
const CreditWidth = 4

// MaxPayload is the largest payload a single frame header can carry (len is
// one byte).
const MaxPayload = 255

// Header is the fixed 4-byte frame header.
type Header struct {
	Cmd Command
	ID  byte
	Arg byte
	Len byte
}

// Errors surfaced by frame encode/decode helpers.
var (
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrCreditOverflow = errors.New("protocol: credit value does not fit in requested width")
)

// EncodeCredit encodes credit as 'width' little-endian bytes. width is
// normally CreditWidth but ACK frames carry their width in the header's Len
// field, so callers may request fewer bytes for compact encodings.
func EncodeCredit(credit uint32, width int) ([]byte, error) {
	if width <= 0 || width > 4 {
		return nil, errors.New("protocol: invalid credit width")
	}
	if width < 4 && credit >= (1<<(8*uint(width))) {
		return nil, ErrCreditOverflow
	}
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(credit >> (8 * uint(i)))
	}
	return buf, nil
}

// DecodeCredit reconstructs a little-endian credit value from buf.
func DecodeCredit(buf []byte) uint32 {
	var credit uint32
	for i, b := range buf {
		credit |= uint32(b) << (8 * uint(i))
	}
	return credit
}
