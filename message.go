// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies protocol message types.
type Opcode uint8

const (
	// OpcodeSetup carries the one-time bootstrap symbol map, executor to
	// controller, before any other traffic.
	OpcodeSetup Opcode = 0x01
	// OpcodeCallWrapper invokes the wrapper function named by the tag
	// address with the argument bytes.
	OpcodeCallWrapper Opcode = 0x02
	// OpcodeResult completes the call identified by the sequence number.
	OpcodeResult Opcode = 0x03
	// OpcodeDetach is the clean-shutdown signal.
	OpcodeDetach Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpcodeSetup:
		return "setup"
	case OpcodeCallWrapper:
		return "call-wrapper"
	case OpcodeResult:
		return "result"
	case OpcodeDetach:
		return "detach"
	default:
		return fmt.Sprintf("opcode(%#02x)", uint8(o))
	}
}

// Message is a single protocol message. The sequence number correlates a
// call-wrapper message with its result; the tag address names the wrapper
// function or call site the message concerns. Arg is not retained by the
// handler beyond the invocation that processes it.
type Message struct {
	Op    Opcode
	SeqNo uint64
	Tag   uint64
	Arg   []byte
}

// messageHeaderLen is the encoded size of the fixed header:
// [1 opcode][8 seqNo][8 tag], big-endian.
const messageHeaderLen = 1 + 8 + 8

// maxMessageLen caps a single encoded message (header plus argument bytes).
const maxMessageLen = 64 * 1024 * 1024 // 64MB max

// appendMessage appends the wire encoding of m to buf and returns the
// extended slice. The encoding is shared by every concrete transport; outer
// framing (length prefixes, stream boundaries) belongs to the transport.
func appendMessage(buf []byte, m Message) []byte {
	var hdr [messageHeaderLen]byte
	hdr[0] = byte(m.Op)
	binary.BigEndian.PutUint64(hdr[1:9], m.SeqNo)
	binary.BigEndian.PutUint64(hdr[9:17], m.Tag)
	buf = append(buf, hdr[:]...)
	return append(buf, m.Arg...)
}

// parseMessage decodes a message previously encoded by appendMessage. The
// returned Arg aliases b.
func parseMessage(b []byte) (Message, error) {
	if len(b) < messageHeaderLen {
		return Message{}, fmt.Errorf("epc: short message: %d bytes", len(b))
	}
	return Message{
		Op:    Opcode(b[0]),
		SeqNo: binary.BigEndian.Uint64(b[1:9]),
		Tag:   binary.BigEndian.Uint64(b[9:17]),
		Arg:   b[messageHeaderLen:],
	}, nil
}
