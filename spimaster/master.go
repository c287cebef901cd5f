// Package spimaster drives SPI master controllers that sit behind a register
// bus. Every backend executes one SPI command per call, bracketed by a single
// chip select assertion.
package spimaster

import (
	"errors"
	"fmt"
)

// Master executes one SPI command: the opcode, then out, then dummy zero
// bytes, then numRead clocked-in bytes which are returned.
type Master interface {
	Command(opcode byte, dummy int, numRead int, out []byte) ([]byte, error)
}

// Bus is the register access capability offered by the board transport.
type Bus interface {
	Read(addr uint32) (uint32, error)
	Write(addr uint32, values ...uint32) error
	ReadMultiple(addr uint32, count int) ([]uint32, error)
}

// ChipSelectBus is a Bus that additionally drives chip select lines itself.
type ChipSelectBus interface {
	Bus
	ChipSelect(device int, asserted bool) error
}

// CollisionError reports that the controller flagged a write collision while
// sending outbound data. Written counts the outbound bytes accepted, the one
// that collided included.
type CollisionError struct {
	Written int
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("SPI write collision after %d bytes", e.Written)
}

var ErrorTransferNotDone = errors.New("SPI controller did not finish the transfer")

// frame builds the full outbound byte stream of a command.
func frame(opcode byte, dummy int, numRead int, out []byte) []byte {
	buf := make([]byte, 1+len(out)+dummy+numRead)
	buf[0] = opcode
	copy(buf[1:], out)
	return buf
}

// trim drops the echo of the opcode, outbound data and dummy bytes.
func trim(in []byte, dummy int, out []byte) []byte {
	skip := 1 + dummy + len(out)
	if skip > len(in) {
		return in[:0]
	}
	return in[skip:]
}
