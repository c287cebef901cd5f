// Package flashsim simulates an SPI NOR flash chip at the byte level, and the
// register interfaces of the SPI controllers that talk to it.
package flashsim

import (
	"encoding/binary"
)

const (
	opRES     = 0xab
	opRDID    = 0x9f
	opWREN    = 0x06
	opWRDI    = 0x04
	opRDSR    = 0x05
	opRead3   = 0x03
	opRead4   = 0x13
	opFast    = 0x0b
	opPP3     = 0x02
	opPP4     = 0x12
	opSE3     = 0xd8
	opSE4     = 0xdc
	opBE      = 0xc7
	opBRRD    = 0x16
	opBRWR    = 0x17
	opRDSFDP  = 0x5a
	pageSize  = 256
	erasedVal = 0xff
)

// Transaction is one chip select bracket as seen on MOSI.
type Transaction struct {
	Opcode byte
	Data   []byte
}

// Chip is a simulated NOR flash. Unwritten memory reads as 0xFF and
// programming can only clear bits.
type Chip struct {
	Signature      byte
	ManufacturerID byte
	MemoryType     byte
	CapacityExp    byte
	Extended       []byte
	SFDP           []byte
	SectorSize     uint32

	// ExtendedCount overrides the count byte of RDID when non-nil.
	ExtendedCount *byte

	// BusyPolls is the number of status reads that report WIP after an
	// erase or program.
	BusyPolls int

	// IgnoreWREN keeps the write enable latch clear.
	IgnoreWREN bool

	Transactions []Transaction

	pages map[uint32]*[pageSize]byte
	wel   bool
	busy  int
	bank  byte

	selected bool
	mosi     []byte
}

func New(capacityExp byte, sectorSize uint32) *Chip {
	return &Chip{
		Signature:      0x17,
		ManufacturerID: 0x20,
		MemoryType:     0xba,
		CapacityExp:    capacityExp,
		SectorSize:     sectorSize,
		BusyPolls:      2,
		pages:          make(map[uint32]*[pageSize]byte),
	}
}

func (c *Chip) Capacity() uint64 {
	return uint64(1) << c.CapacityExp
}

func (c *Chip) is4Byte() bool {
	return c.Capacity() > 1<<24
}

func (c *Chip) page(addr uint32, create bool) *[pageSize]byte {
	base := addr &^ (pageSize - 1)
	p, ok := c.pages[base]
	if !ok && create {
		p = new([pageSize]byte)
		for i := range p {
			p[i] = erasedVal
		}
		c.pages[base] = p
	}
	return p
}

// Peek returns the content of memory without going through SPI.
func (c *Chip) Peek(addr uint32, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = c.peekByte(addr + uint32(i))
	}
	return out
}

func (c *Chip) peekByte(addr uint32) byte {
	addr &= uint32(c.Capacity() - 1)
	if p := c.page(addr, false); p != nil {
		return p[addr%pageSize]
	}
	return erasedVal
}

// Poke writes memory without going through SPI.
func (c *Chip) Poke(addr uint32, data []byte) {
	for i, m := range data {
		a := addr + uint32(i)
		c.page(a, true)[a%pageSize] = m
	}
}

func (c *Chip) status() byte {
	var s byte
	if c.busy > 0 {
		s |= 1
	}
	if c.wel {
		s |= 2
	}
	return s
}

// Select starts a transaction.
func (c *Chip) Select() {
	c.selected = true
	c.mosi = c.mosi[:0]
}

// Exchange clocks one byte in and returns the byte clocked out.
func (c *Chip) Exchange(in byte) byte {
	if !c.selected {
		return erasedVal
	}

	pos := len(c.mosi)
	c.mosi = append(c.mosi, in)
	if pos == 0 {
		return erasedVal
	}

	switch c.mosi[0] {
	case opRES:
		if pos >= 4 {
			return c.Signature
		}

	case opRDID:
		count := byte(len(c.Extended))
		if c.ExtendedCount != nil {
			count = *c.ExtendedCount
		}
		id := append([]byte{c.ManufacturerID, c.MemoryType, c.CapacityExp, count}, c.Extended...)
		if pos-1 < len(id) {
			return id[pos-1]
		}

	case opRDSR:
		s := c.status()
		if c.busy > 0 {
			c.busy--
		}
		return s

	case opRead3, opRead4, opFast:
		width := 3
		if c.mosi[0] == opRead4 {
			width = 4
		}
		lead := 1 + width
		if c.mosi[0] == opFast {
			lead++
		}
		if pos >= lead {
			return c.peekByte(c.address(width) + uint32(pos-lead))
		}

	case opRDSFDP:
		if pos >= 5 {
			addr := int(c.address(3)) + pos - 5
			if addr < len(c.SFDP) {
				return c.SFDP[addr]
			}
		}

	case opBRRD:
		return c.bank
	}

	return erasedVal
}

func (c *Chip) address(width int) uint32 {
	if len(c.mosi) < 1+width {
		return 0
	}

	var buf [4]byte
	copy(buf[4-width:], c.mosi[1:1+width])
	addr := binary.BigEndian.Uint32(buf[:])
	if width == 3 && !c.is4Byte() {
		addr |= uint32(c.bank) << 24
	}
	return addr
}

// Deselect ends the transaction and executes write type commands.
func (c *Chip) Deselect() {
	if !c.selected {
		return
	}
	c.selected = false

	if len(c.mosi) == 0 {
		return
	}

	c.Transactions = append(c.Transactions, Transaction{
		Opcode: c.mosi[0],
		Data:   append([]byte(nil), c.mosi[1:]...),
	})

	if c.busy > 0 && c.mosi[0] != opRDSR {
		/* Chip ignores commands while busy */
		return
	}

	switch c.mosi[0] {
	case opWREN:
		if !c.IgnoreWREN {
			c.wel = true
		}

	case opWRDI:
		c.wel = false

	case opPP3, opPP4:
		width := 3
		if c.mosi[0] == opPP4 {
			width = 4
		}
		if !c.wel || len(c.mosi) < 1+width {
			return
		}
		addr := c.address(width)
		base := addr &^ (pageSize - 1)
		for i, m := range c.mosi[1+width:] {
			a := base + (addr+uint32(i))%pageSize
			p := c.page(a, true)
			p[a%pageSize] &= m
		}
		c.startBusy()

	case opSE3, opSE4:
		width := 3
		if c.mosi[0] == opSE4 {
			width = 4
		}
		if !c.wel || len(c.mosi) < 1+width {
			return
		}
		base := c.address(width) &^ (c.SectorSize - 1)
		for a := base; a < base+c.SectorSize; a += pageSize {
			delete(c.pages, a)
		}
		c.startBusy()

	case opBE:
		if !c.wel {
			return
		}
		c.pages = make(map[uint32]*[pageSize]byte)
		c.startBusy()

	case opBRWR:
		if len(c.mosi) >= 2 {
			c.bank = c.mosi[1]
		}
	}
}

func (c *Chip) startBusy() {
	c.wel = false
	c.busy = c.BusyPolls
}

// Command runs a complete transaction, matching the spimaster contract.
func (c *Chip) Command(opcode byte, dummy int, numRead int, out []byte) ([]byte, error) {
	c.Select()
	defer c.Deselect()

	c.Exchange(opcode)
	for _, m := range out {
		c.Exchange(m)
	}
	for i := 0; i < dummy; i++ {
		c.Exchange(0)
	}

	result := make([]byte, numRead)
	for i := range result {
		result[i] = c.Exchange(0)
	}
	return result, nil
}

// Count returns how many transactions used opcode.
func (c *Chip) Count(opcode byte) int {
	n := 0
	for _, m := range c.Transactions {
		if m.Opcode == opcode {
			n++
		}
	}
	return n
}
