package board

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/BertoldVdb/fpgaflash/flashsim"
	"github.com/BertoldVdb/fpgaflash/image"
)

type busWrite struct {
	Addr   uint32
	Values []uint32
	Ack    bool
}

/* Register bus with the quad SPI controller model mapped at its base */
type fakeBus struct {
	spi    *flashsim.AXIQuadSPI
	regs   map[uint32]uint32
	writes []busWrite
}

func newFakeBus(chip *flashsim.Chip) *fakeBus {
	return &fakeBus{
		spi:  flashsim.NewAXIQuadSPI(chip, QuadSPIBase, QuadSPIDevice),
		regs: make(map[uint32]uint32),
	}
}

func isSPI(addr uint32) bool {
	return addr >= QuadSPIBase && addr < QuadSPIBase+0x100
}

func (f *fakeBus) Read(addr uint32) (uint32, error) {
	if isSPI(addr) {
		return f.spi.Read(addr)
	}
	return f.regs[addr], nil
}

func (f *fakeBus) ReadMultiple(addr uint32, count int) ([]uint32, error) {
	if isSPI(addr) {
		return f.spi.ReadMultiple(addr, count)
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = f.regs[addr+uint32(i)]
	}
	return out, nil
}

func (f *fakeBus) write(addr uint32, values []uint32, ack bool) error {
	if isSPI(addr) {
		return f.spi.Write(addr, values...)
	}
	f.writes = append(f.writes, busWrite{Addr: addr, Values: append([]uint32(nil), values...), Ack: ack})
	for i, m := range values {
		f.regs[addr+uint32(i)] = m
	}
	return nil
}

func (f *fakeBus) Write(addr uint32, values ...uint32) error {
	return f.write(addr, values, true)
}

func (f *fakeBus) WriteNoAck(addr uint32, values ...uint32) error {
	return f.write(addr, values, false)
}

func newTestBoard(t *testing.T) (*Board, *fakeBus, *flashsim.Chip) {
	chip := flashsim.New(22, 64*1024)
	bus := newFakeBus(chip)

	b, err := New(bus)
	if err != nil {
		t.Fatal(err)
	}
	return b, bus, chip
}

func TestNewIdentifiesFlash(t *testing.T) {
	b, _, _ := newTestBoard(t)

	id := b.Flash().Identification()
	if id.ManufacturerID != 0x20 || b.Flash().Capacity() != 4<<20 {
		t.Error("Wrong identification:", spew.Sdump(id))
	}
}

func TestTemperature(t *testing.T) {
	b, bus, _ := newTestBoard(t)

	/* 0x9b3 is about 33 C */
	bus.regs[XADCTempAddr] = 0x9b30
	temp, err := b.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	want := float64(0x9b3)*503.975/4096 - 273.15
	if math.Abs(temp-want) > 1e-9 || temp < 30 || temp > 36 {
		t.Error("Wrong temperature:", temp)
	}
}

func TestSetLED(t *testing.T) {
	b, bus, _ := newTestBoard(t)

	if err := b.SetLED(0x5); err != nil {
		t.Fatal(err)
	}
	if bus.regs[LEDAddr] != 5 {
		t.Error("LED register not written")
	}
}

func TestReloadFPGA(t *testing.T) {
	b, bus, _ := newTestBoard(t)

	var logged bool
	b.LogFunc = func(format string, params ...any) { logged = true }

	if err := b.ReloadFPGA(0x400000); err != nil {
		t.Fatal(err)
	}

	if len(bus.writes) != 2 {
		t.Fatal("Wrong writes:", spew.Sdump(bus.writes))
	}

	fifo := bus.writes[0]
	want := []uint32{0xffffffff, 0xaa995566, 0x20000000, 0x30020001, 0x400000, 0x30008001, 0x0000000f, 0x20000000}
	if fifo.Addr != ICAPFIFOAddr || !fifo.Ack || len(fifo.Values) != len(want) {
		t.Fatal("Wrong ICAP FIFO write:", spew.Sdump(fifo))
	}
	for i := range want {
		if fifo.Values[i] != want[i] {
			t.Errorf("ICAP word %d is %08x, expected %08x", i, fifo.Values[i], want[i])
		}
	}

	ctrl := bus.writes[1]
	if ctrl.Addr != ICAPControlAddr || ctrl.Ack || len(ctrl.Values) != 1 || ctrl.Values[0] != 1 {
		t.Error("Wrong ICAP control write:", spew.Sdump(ctrl))
	}

	if !logged {
		t.Error("Reload not logged")
	}
}

func TestReprogram(t *testing.T) {
	b, bus, chip := newTestBoard(t)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	img := image.FromBinary(data, 0x10000)

	if err := b.Reprogram(context.Background(), img, 0); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(chip.Peek(0x10000, len(data)), data) {
		t.Error("Image not in flash")
	}
	if len(bus.writes) != 2 || bus.writes[1].Addr != ICAPControlAddr {
		t.Error("FPGA not reloaded:", spew.Sdump(bus.writes))
	}
}

func TestReprogramInvalidImage(t *testing.T) {
	b, bus, chip := newTestBoard(t)

	if err := b.Reprogram(context.Background(), &image.Image{}, 0); !errors.Is(err, image.ErrorEmptyImage) {
		t.Error("Empty image accepted:", err)
	}
	if len(bus.writes) != 0 || chip.Count(0xd8) != 0 {
		t.Error("Board touched for invalid image")
	}
}
