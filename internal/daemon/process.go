// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import "github.com/usbexecd/usbexecd/internal/protocol"

// TableSize is N=256, the fixed number of process slots, each addressed by
// a u8 identifier chosen by the controller.
const TableSize = 256

// Process is the record for one managed child: an identifier, the OS pid
// (0 once reaped), and its four streams.
type Process struct {
	ID     byte
	Pid    int
	Ctrl   *OutboundStream
	Stdin  *OutboundStream
	Stdout *InboundStream
	Stderr *InboundStream
}

// Streams returns the process's four streams as a generic slice, for
// callers that treat all streams uniformly.
func (p *Process) Streams() []stream {
	return []stream{p.Ctrl, p.Stdin, p.Stdout, p.Stderr}
}

// ProcessTable is a fixed-capacity indexed container of Processes keyed by
// a one-byte identifier. At most one live Process may occupy a given id at
// a time.
type ProcessTable struct {
	slots [TableSize]*Process
}

// Get returns the Process at id, or nil if the slot is empty.
func (t *ProcessTable) Get(id byte) *Process { return t.slots[id] }

// Allocate installs p at p.ID. It returns an error if the slot is already
// occupied — callers must check Get(id) == nil first per the OPEN dispatch
// rule (§4.5: "id must be unused").
func (t *ProcessTable) Allocate(p *Process) error {
	if t.slots[p.ID] != nil {
		return &ProtocolError{Msg: "OPEN on an already-allocated id"}
	}
	t.slots[p.ID] = p
	return nil
}

// Free empties the slot at id.
func (t *ProcessTable) Free(id byte) { t.slots[id] = nil }

// FindByPid linear-scans the table for the process currently holding pid,
// as required by the reaper (§4.6): pid -> id has no other index.
func (t *ProcessTable) FindByPid(pid int) *Process {
	for _, p := range t.slots {
		if p != nil && p.Pid == pid {
			return p
		}
	}
	return nil
}

// All returns every live process slot, for enumeration (shutdown reaping,
// diagnostics snapshots).
func (t *ProcessTable) All() []*Process {
	out := make([]*Process, 0, TableSize)
	for _, p := range t.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ProtocolError marks a fatal protocol violation per §7: any inconsistency
// on the trusted transport is a bug and must fail fast.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// stream is the shared capability set common to outbound and inbound
// streams, used where the caller selects one of a process's four streams
// by role (streamByRole). See DESIGN.md / spec.md §9.
type stream interface {
	FD() int
	Role() protocol.Role
	ID() byte
}
