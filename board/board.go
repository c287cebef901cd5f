// Package board runs tasks on the FPGA board: flash programming through the
// quad SPI controller, the XADC temperature sensor, the LED register and
// reconfiguration through ICAP.
package board

import (
	"context"
	"fmt"

	"github.com/BertoldVdb/fpgaflash/image"
	"github.com/BertoldVdb/fpgaflash/spiflash"
	"github.com/BertoldVdb/fpgaflash/spimaster"
)

// Register map of the board
const (
	LEDAddr         = 0x0000
	XADCTempAddr    = 0x1200
	QuadSPIBase     = 0x3000
	QuadSPIDevice   = 0
	ICAPFIFOAddr    = 0x4100
	ICAPControlAddr = 0x410c
)

// Bus is the register access the board needs. WriteNoAck is used for the
// write that reconfigures the FPGA, which never gets acknowledged.
type Bus interface {
	spimaster.Bus
	WriteNoAck(addr uint32, values ...uint32) error
}

type Board struct {
	bus   Bus
	flash *spiflash.Flash

	LogFunc func(format string, params ...any)
}

func (b *Board) log(format string, params ...any) {
	if b.LogFunc != nil {
		b.LogFunc(format, params...)
	}
}

// New identifies the configuration flash behind the quad SPI controller.
func New(bus Bus, opts ...spiflash.Option) (*Board, error) {
	return NewAt(bus, QuadSPIBase, QuadSPIDevice, opts...)
}

// NewAt is New for a quad SPI controller at another base or slave select.
func NewAt(bus Bus, base uint32, device int, opts ...spiflash.Option) (*Board, error) {
	flash, err := spiflash.New(spimaster.NewAXIQuadSPI(bus, base, device), opts...)
	if err != nil {
		return nil, fmt.Errorf("board flash: %w", err)
	}

	return &Board{
		bus:   bus,
		flash: flash,
	}, nil
}

func (b *Board) Flash() *spiflash.Flash {
	return b.flash
}

// Temperature returns the die temperature in degrees Celsius.
func (b *Board) Temperature() (float64, error) {
	raw, err := b.bus.Read(XADCTempAddr)
	if err != nil {
		return 0, err
	}
	return float64(raw>>4)*503.975/4096 - 273.15, nil
}

func (b *Board) SetLED(value uint32) error {
	return b.bus.Write(LEDAddr, value)
}

/* IPROG sequence for the 7 series configuration logic, with the warm boot
 * start address in the WBSTAR slot */
func icapReload(addr uint32) []uint32 {
	return []uint32{
		0xffffffff, /* dummy */
		0xaa995566, /* sync */
		0x20000000, /* noop */
		0x30020001, /* write WBSTAR */
		addr,
		0x30008001, /* write CMD */
		0x0000000f, /* IPROG */
		0x20000000, /* noop */
	}
}

// ReloadFPGA makes the FPGA load its configuration from flash address addr.
// The board drops off the network while it reconfigures.
func (b *Board) ReloadFPGA(addr uint32) error {
	if err := b.bus.Write(ICAPFIFOAddr, icapReload(addr)...); err != nil {
		return err
	}
	if err := b.bus.WriteNoAck(ICAPControlAddr, 1); err != nil {
		return err
	}

	b.log("FPGA reloaded")
	return nil
}

// Reprogram writes img to the flash and reloads the FPGA from address 0.
func (b *Board) Reprogram(ctx context.Context, img *image.Image, sectorSize uint32) error {
	if err := img.Validate(); err != nil {
		return err
	}

	if err := b.flash.Program(ctx, img.Segments, sectorSize); err != nil {
		return err
	}

	return b.ReloadFPGA(0)
}
