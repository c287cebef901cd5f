package spimaster

import (
	"bytes"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"periph.io/x/conn/v3/spi"

	"github.com/BertoldVdb/fpgaflash/flashsim"
)

const testBase = 0x3000

func newTestChip() *flashsim.Chip {
	chip := flashsim.New(23, 64*1024)
	chip.Extended = []byte{0x10, 0x20}
	chip.Poke(0x1000, []byte("0123456789abcdefghijklmnopqrstuvwxyz"))
	return chip
}

type namedMaster struct {
	name   string
	master Master
}

/* periphConn loops a periph SPI port back into the simulated chip */
type periphConn struct {
	spi.Conn
	chip *flashsim.Chip
}

func (p *periphConn) Tx(w, r []byte) error {
	p.chip.Select()
	defer p.chip.Deselect()
	for i, m := range w {
		v := p.chip.Exchange(m)
		if i < len(r) {
			r[i] = v
		}
	}
	return nil
}

func testMasters(t *testing.T, chip *flashsim.Chip) []namedMaster {
	oc, err := NewOpenCores(flashsim.NewOpenCores(chip, testBase, 0), testBase, 0)
	if err != nil {
		t.Fatal("Failed to create OpenCores master:", err)
	}

	return []namedMaster{
		{"opencores", oc},
		{"axi", NewAXIQuadSPI(flashsim.NewAXIQuadSPI(chip, testBase, 0), testBase, 0)},
		{"periph", NewPeriph(&periphConn{chip: chip})},
	}
}

func TestCommandShortAndLong(t *testing.T) {
	chip := newTestChip()

	for _, m := range testMasters(t, chip) {
		t.Run(m.name, func(t *testing.T) {
			/* RDID fits in one FIFO load */
			id, err := m.master.Command(0x9f, 0, 6, nil)
			if err != nil {
				t.Fatal("RDID failed:", err)
			}
			want := []byte{0x20, 0xba, 23, 2, 0x10, 0x20}
			if !bytes.Equal(id, want) {
				t.Errorf("RDID returned %s, expected %s", spew.Sdump(id), spew.Sdump(want))
			}

			/* Read of 36 bytes needs three FIFO loads on the AXI core */
			data, err := m.master.Command(0x03, 0, 36, []byte{0x00, 0x10, 0x00})
			if err != nil {
				t.Fatal("Read failed:", err)
			}
			if string(data) != "0123456789abcdefghijklmnopqrstuvwxyz" {
				t.Errorf("Read returned %q", data)
			}

			/* Dummy bytes are skipped */
			res, err := m.master.Command(0xab, 3, 1, nil)
			if err != nil {
				t.Fatal("RES failed:", err)
			}
			if len(res) != 1 || res[0] != 0x17 {
				t.Error("RES returned", res)
			}
		})
	}
}

func TestCommandNoRead(t *testing.T) {
	chip := newTestChip()

	for _, m := range testMasters(t, chip) {
		t.Run(m.name, func(t *testing.T) {
			res, err := m.master.Command(0x06, 0, 0, nil)
			if err != nil {
				t.Fatal("WREN failed:", err)
			}
			if len(res) != 0 {
				t.Error("WREN returned data:", res)
			}

			status, err := m.master.Command(0x05, 0, 1, nil)
			if err != nil {
				t.Fatal("RDSR failed:", err)
			}
			if status[0]&2 == 0 {
				t.Error("Write enable latch not set after WREN")
			}

			if _, err := m.master.Command(0x04, 0, 0, nil); err != nil {
				t.Fatal("WRDI failed:", err)
			}
		})
	}
}

func TestOpenCoresInit(t *testing.T) {
	sim := flashsim.NewOpenCores(newTestChip(), testBase, 0)

	/* Interrupts on, slave mode, mode 3, flags left pending */
	sim.Control = 0x8c
	sim.Pending = 0xc0

	oc, err := NewOpenCores(sim, testBase, 0)
	if err != nil {
		t.Fatal(err)
	}

	if sim.Control != 0x50 {
		t.Errorf("Control register is %02x, expected 50", sim.Control)
	}
	if sim.Pending != 0 {
		t.Errorf("Status flags %02x still pending", sim.Pending)
	}

	res, err := oc.Command(0x03, 0, 4, []byte{0, 0x10, 0})
	if err != nil || string(res) != "0123" {
		t.Error("Read after setup failed:", res, err)
	}
}

func TestOpenCoresCollision(t *testing.T) {
	chip := newTestChip()
	sim := flashsim.NewOpenCores(chip, testBase, 0)
	oc, err := NewOpenCores(sim, testBase, 0)
	if err != nil {
		t.Fatal(err)
	}

	/* Opcode is write 1, so write 3 is the second outbound byte */
	sim.CollideAtWrite = 3

	res, err := oc.Command(0x03, 0, 4, []byte{0, 0x10, 0})
	if res != nil {
		t.Error("Collision returned data:", res)
	}

	var collision *CollisionError
	if !errors.As(err, &collision) {
		t.Fatal("Expected collision error, got", err)
	}
	if collision.Written != 2 {
		t.Errorf("Collision reported %d bytes written, expected 2", collision.Written)
	}
	if sim.Pending&0x40 != 0 {
		t.Error("Collision flag left pending")
	}

	/* Chip select must have been released */
	sim.CollideAtWrite = 0
	res, err = oc.Command(0xab, 3, 1, nil)
	if err != nil || len(res) != 1 || res[0] != 0x17 {
		t.Error("Command after collision failed:", res, err)
	}
}

func TestAXIChunking(t *testing.T) {
	chip := newTestChip()
	sim := flashsim.NewAXIQuadSPI(chip, testBase, 0)
	axi := NewAXIQuadSPI(sim, testBase, 0)

	/* 1 opcode + 3 address + 40 data = 44 bytes, three FIFO loads */
	payload := make([]byte, 43)
	for i := range payload {
		payload[i] = byte(i)
	}
	payload[0], payload[1], payload[2] = 0, 0x20, 0

	if _, err := axi.Command(0x06, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := axi.Command(0x02, 0, 0, payload); err != nil {
		t.Fatal("Page program failed:", err)
	}

	last := chip.Transactions[len(chip.Transactions)-1]
	if last.Opcode != 0x02 || !bytes.Equal(last.Data, payload) {
		t.Error("Chip saw wrong transaction:", spew.Sdump(last))
	}

	got := chip.Peek(0x2000, 40)
	if !bytes.Equal(got, payload[3:]) {
		t.Error("Programmed data mismatch:", spew.Sdump(got))
	}
}

func TestAXINotDone(t *testing.T) {
	chip := newTestChip()
	sim := flashsim.NewAXIQuadSPI(chip, testBase, 0)
	sim.NeverDone = true

	axi := NewAXIQuadSPI(sim, testBase, 0)
	axi.DonePolls = 25

	if _, err := axi.Command(0x9f, 0, 4, nil); !errors.Is(err, ErrorTransferNotDone) {
		t.Fatal("Expected transfer not done, got", err)
	}

	if sim.StatusReads != 25 {
		t.Errorf("Polled %d times, expected 25", sim.StatusReads)
	}

	/* Slave select released */
	ssr, _ := sim.Read(testBase + axiRegSPISSR)
	if ssr != axiSSRNone {
		t.Errorf("Slave select left at %04x", ssr)
	}
}

func TestAXISlaveSelect(t *testing.T) {
	chip := newTestChip()
	sim := flashsim.NewAXIQuadSPI(chip, testBase, 2)
	axi := NewAXIQuadSPI(sim, testBase, 2)

	res, err := axi.Command(0xab, 3, 1, nil)
	if err != nil || len(res) != 1 || res[0] != 0x17 {
		t.Error("RES on device 2 failed:", res, err)
	}
}

func TestTrim(t *testing.T) {
	if got := trim([]byte{1, 2}, 3, nil); len(got) != 0 {
		t.Error("Short input not trimmed to empty:", got)
	}

	f := frame(0x5a, 1, 2, []byte{7, 8, 9})
	if !bytes.Equal(f, []byte{0x5a, 7, 8, 9, 0, 0, 0}) {
		t.Error("Frame built wrong:", f)
	}
}
