package flashsim

import (
	"errors"
	"fmt"
)

var ErrorFIFOOverflow = errors.New("transmit FIFO overflow")

// AXIQuadSPI models the register file of a Xilinx AXI Quad SPI core with a
// 16 byte FIFO in each direction.
type AXIQuadSPI struct {
	Chip   *Chip
	Base   uint32
	Device int

	// NeverDone keeps the transmit empty bit clear.
	NeverDone bool

	// StatusReads counts reads of the status register.
	StatusReads int

	control uint32
	ssr     uint32
	tx      []byte
	rx      []byte
}

func NewAXIQuadSPI(chip *Chip, base uint32, device int) *AXIQuadSPI {
	return &AXIQuadSPI{
		Chip:    chip,
		Base:    base,
		Device:  device,
		control: 0x180,
		ssr:     0xffff,
	}
}

func (a *AXIQuadSPI) selected() bool {
	return a.ssr&(1<<uint(a.Device)) == 0
}

func (a *AXIQuadSPI) run() {
	if a.control&0x100 != 0 || a.control&0x2 == 0 || !a.selected() {
		return
	}
	for _, m := range a.tx {
		a.rx = append(a.rx, a.Chip.Exchange(m))
	}
	a.tx = a.tx[:0]
}

func (a *AXIQuadSPI) Read(addr uint32) (uint32, error) {
	switch addr - a.Base {
	case 0x60:
		return a.control, nil
	case 0x64:
		a.StatusReads++
		var status uint32
		if len(a.rx) == 0 {
			status |= 1
		}
		if len(a.tx) == 0 && !a.NeverDone {
			status |= 4
		}
		return status, nil
	case 0x6c:
		if len(a.rx) == 0 {
			return 0, nil
		}
		v := a.rx[0]
		a.rx = a.rx[1:]
		return uint32(v), nil
	case 0x70:
		return a.ssr, nil
	}
	return 0, nil
}

func (a *AXIQuadSPI) ReadMultiple(addr uint32, count int) ([]uint32, error) {
	if count > 16 {
		return nil, fmt.Errorf("read of %d registers exceeds 16", count)
	}
	out := make([]uint32, count)
	for i := range out {
		v, err := a.Read(addr)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (a *AXIQuadSPI) Write(addr uint32, values ...uint32) error {
	for _, v := range values {
		switch addr - a.Base {
		case 0x60:
			if v&0x20 != 0 {
				a.tx = a.tx[:0]
			}
			if v&0x40 != 0 {
				a.rx = a.rx[:0]
			}
			a.control = v &^ 0x60
			a.run()

		case 0x68:
			if len(a.tx) >= 16 {
				return ErrorFIFOOverflow
			}
			a.tx = append(a.tx, byte(v))
			a.run()

		case 0x70:
			wasSelected := a.selected()
			a.ssr = v
			if !wasSelected && a.selected() {
				a.Chip.Select()
			} else if wasSelected && !a.selected() {
				a.Chip.Deselect()
			}
			a.run()
		}
	}
	return nil
}

// OpenCores models the OpenCores simple SPI core. Chip select is driven
// through the bus rather than a controller register.
type OpenCores struct {
	Chip   *Chip
	Base   uint32
	Device int

	// CollideAtWrite raises the write collision flag on the given data
	// register write, counting from 1 within a transaction.
	CollideAtWrite int

	Control uint32

	// Pending holds the sticky status flags, interrupt (0x80) and write
	// collision (0x40). They stay set until a one is written back.
	Pending uint32

	writes int
	rx     []byte
}

func NewOpenCores(chip *Chip, base uint32, device int) *OpenCores {
	return &OpenCores{
		Chip:    chip,
		Base:    base,
		Device:  device,
		Control: 0x1c,
	}
}

func (o *OpenCores) Read(addr uint32) (uint32, error) {
	switch addr - o.Base {
	case 0x0:
		return o.Control, nil
	case 0x4:
		var status uint32
		if len(o.rx) == 0 {
			status |= 0x01
		}
		return status | o.Pending, nil
	case 0x8:
		if len(o.rx) == 0 {
			return 0, nil
		}
		v := o.rx[0]
		o.rx = o.rx[1:]
		return uint32(v), nil
	}
	return 0, nil
}

func (o *OpenCores) ReadMultiple(addr uint32, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		v, err := o.Read(addr)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (o *OpenCores) Write(addr uint32, values ...uint32) error {
	for _, v := range values {
		switch addr - o.Base {
		case 0x0:
			o.Control = v
		case 0x4:
			o.Pending &^= v & 0xc0
		case 0x8:
			o.writes++
			if o.writes == o.CollideAtWrite {
				o.Pending |= 0x40
				continue
			}
			o.rx = append(o.rx, o.Chip.Exchange(byte(v)))
			o.Pending |= 0x80
		}
	}
	return nil
}

func (o *OpenCores) ChipSelect(device int, asserted bool) error {
	if device != o.Device {
		return nil
	}
	if asserted {
		o.writes = 0
		o.Chip.Select()
	} else {
		o.Chip.Deselect()
	}
	return nil
}
