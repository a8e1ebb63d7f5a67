package x86

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
	"github.com/xda-re/xda/bin"
)

// InvalidInstructionError is a recoverable decode error; the bytes at the
// given address do not form a valid instruction.
type InvalidInstructionError struct {
	// Address of the offending bytes.
	Addr bin.Addr
	// Underlying decoder error.
	Err error
}

// Error implements the error interface.
func (e *InvalidInstructionError) Error() string {
	return fmt.Sprintf("invalid instruction at %v; %v", e.Addr, e.Err)
}

// InvalidOffsetError is a recoverable decode error; the decode cursor was
// placed outside of its input buffer.
type InvalidOffsetError struct {
	// Offending address.
	Addr bin.Addr
}

// Error implements the error interface.
func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid decode offset for address %v", e.Addr)
}

// IsDecodeError reports whether err is a recoverable instruction decode
// error.
func IsDecodeError(err error) bool {
	switch errors.Cause(err).(type) {
	case *InvalidInstructionError, *InvalidOffsetError:
		return true
	}
	return false
}

// Decoder is a stateful instruction decode cursor over a byte buffer. Decode
// returns one instruction at a time, advancing the cursor past it.
type Decoder struct {
	// CPU decoding the instruction stream.
	cpu *CPU
	// Input buffer.
	data []byte
	// Offset of the next instruction within data.
	offset int
	// Runtime address of data[0].
	base bin.Addr
}

// decoderState is a snapshot of the decoder cursor, used to save and restore
// the decoder across speculative sweeps.
type decoderState struct {
	data   []byte
	offset int
	base   bin.Addr
}

// NewDecoder returns a new instruction decoder for the given CPU.
func NewDecoder(cpu *CPU) *Decoder {
	return &Decoder{cpu: cpu}
}

// SetInput sets the input buffer of the decoder and the runtime address of
// its first byte. The cursor is rewound to the start of the buffer.
func (dec *Decoder) SetInput(data []byte, base bin.Addr) {
	dec.data = data
	dec.base = base
	dec.offset = 0
}

// Seek places the cursor at the given runtime address.
func (dec *Decoder) Seek(addr bin.Addr) {
	dec.offset = int(int64(addr) - int64(dec.base))
}

// state returns a snapshot of the decoder cursor.
func (dec *Decoder) state() decoderState {
	return decoderState{data: dec.data, offset: dec.offset, base: dec.base}
}

// restore restores the decoder cursor from a snapshot.
func (dec *Decoder) restore(state decoderState) {
	dec.data = state.data
	dec.offset = state.offset
	dec.base = state.base
}

// Decode decodes the instruction at the cursor and advances the cursor past
// it. At the end of the input buffer, Decode returns io.EOF. Undecodable
// bytes fail with InvalidInstructionError and a misplaced cursor fails with
// InvalidOffsetError; both are recoverable.
func (dec *Decoder) Decode() (*Inst, error) {
	if dec.offset < 0 || dec.offset > len(dec.data) {
		return nil, errors.WithStack(&InvalidOffsetError{Addr: dec.base + bin.Addr(dec.offset)})
	}
	if dec.offset == len(dec.data) {
		return nil, errors.WithStack(io.EOF)
	}
	addr := dec.base + bin.Addr(dec.offset)
	inst, err := x86asm.Decode(dec.data[dec.offset:], dec.cpu.Width())
	if err != nil {
		return nil, errors.WithStack(&InvalidInstructionError{Addr: addr, Err: err})
	}
	// x86asm reports truncated and some invalid byte sequences as a lone
	// prefix without an operation.
	if inst.Op == 0 {
		return nil, errors.WithStack(&InvalidInstructionError{Addr: addr, Err: x86asm.ErrUnrecognized})
	}
	dec.offset += inst.Len
	return &Inst{Inst: inst, Addr: addr, cpu: dec.cpu}, nil
}
