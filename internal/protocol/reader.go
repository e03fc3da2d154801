// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// ReadHeader reads exactly 4 header bytes from r. Per spec §4.5 this blocks
// within the handler until the header is complete; a closed connection
// mid-header is reported as io.ErrUnexpectedEOF wrapped for the caller to
// treat as transport fatal.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("reading frame header: %w", err)
	}
	return Header{
		Cmd: Command(buf[0]),
		ID:  buf[1],
		Arg: buf[2],
		Len: buf[3],
	}, nil
}

// ReadPayload reads exactly n bytes of frame payload from r.
func ReadPayload(r io.Reader, n byte) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return buf, nil
}

// ReadCredit reads a header.Len-byte little-endian credit value from r, per
// §4.4.
func ReadCredit(r io.Reader, width byte) (uint32, error) {
	buf, err := ReadPayload(r, width)
	if err != nil {
		return 0, fmt.Errorf("reading credit: %w", err)
	}
	return DecodeCredit(buf), nil
}
