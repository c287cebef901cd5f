package spiflash

import (
	"errors"
	"fmt"
)

var (
	ErrorShortResponse     = errors.New("SPI response is shorter than requested")
	ErrorCompletionTimeout = errors.New("timeout waiting for write in progress to clear")
	ErrorAddressRange      = errors.New("address outside of flash")
	ErrorPageSize          = errors.New("data does not fit in one page")
	ErrorGeometry          = errors.New("invalid flash geometry")
)

// WriteEnableError means the write enable latch did not set after WREN.
type WriteEnableError struct {
	Status Status
}

func (e *WriteEnableError) Error() string {
	return fmt.Sprintf("write enable failed (status %02x)", byte(e.Status))
}

// WriteDisableError means the write enable latch is still set after WRDI.
type WriteDisableError struct {
	Status Status
}

func (e *WriteDisableError) Error() string {
	return fmt.Sprintf("write disable failed (status %02x)", byte(e.Status))
}

// EraseNotStartedError means the chip never reported write in progress after
// an erase command.
type EraseNotStartedError struct {
	Address uint32
	Status  Status
}

func (e *EraseNotStartedError) Error() string {
	return fmt.Sprintf("erase at %08x did not start (status %02x)", e.Address, byte(e.Status))
}

// VerifyError reports a segment whose read back content differs.
type VerifyError struct {
	Segment  int
	Address  uint32
	Expected uint32
	Actual   uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed for segment %d at %08x: crc %08x, read back %08x",
		e.Segment, e.Address, e.Expected, e.Actual)
}
