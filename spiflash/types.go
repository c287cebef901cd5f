package spiflash

import (
	"fmt"
	"strings"
)

// Opcode is a JEDEC SPI NOR command byte.
type Opcode byte

const (
	OpcodeRES      Opcode = 0xab
	OpcodeRDID     Opcode = 0x9f
	OpcodeWREN     Opcode = 0x06
	OpcodeWRDI     Opcode = 0x04
	OpcodeRDSR     Opcode = 0x05
	OpcodeWRSR     Opcode = 0x01
	OpcodeRead4    Opcode = 0x13
	OpcodeRead3    Opcode = 0x03
	OpcodeFastRead Opcode = 0x0b
	OpcodePP4      Opcode = 0x12
	OpcodePP3      Opcode = 0x02
	OpcodeSE4      Opcode = 0xdc
	OpcodeSE3      Opcode = 0xd8
	OpcodeBRRD     Opcode = 0x16
	OpcodeBRWR     Opcode = 0x17
	OpcodeBE       Opcode = 0xc7
	OpcodeRDSFDP   Opcode = 0x5a
)

var opcodes = []struct {
	name   string
	opcode Opcode
}{
	{"RES", OpcodeRES},
	{"RDID", OpcodeRDID},
	{"WREN", OpcodeWREN},
	{"WRDI", OpcodeWRDI},
	{"RDSR", OpcodeRDSR},
	{"WRSR", OpcodeWRSR},
	{"4READ", OpcodeRead4},
	{"3READ", OpcodeRead3},
	{"FASTREAD", OpcodeFastRead},
	{"4PP", OpcodePP4},
	{"3PP", OpcodePP3},
	{"4SE", OpcodeSE4},
	{"3SE", OpcodeSE3},
	{"BRRD", OpcodeBRRD},
	{"BRWR", OpcodeBRWR},
	{"BE", OpcodeBE},
	{"RDSFDP", OpcodeRDSFDP},
}

// LookupOpcode finds an opcode by its command name, e.g. "3SE".
func LookupOpcode(name string) (Opcode, bool) {
	name = strings.ToUpper(name)
	for _, m := range opcodes {
		if m.name == name {
			return m.opcode, true
		}
	}
	return 0, false
}

func (o Opcode) String() string {
	for _, m := range opcodes {
		if m.opcode == o {
			return m.name
		}
	}
	return fmt.Sprintf("0x%02x", byte(o))
}

// Status is the content of the status register.
type Status byte

const (
	statusWIP Status = 1 << 0
	statusWEL Status = 1 << 1
)

func (s Status) WriteInProgress() bool {
	return s&statusWIP != 0
}

func (s Status) WriteEnabled() bool {
	return s&statusWEL != 0
}

const (
	PageSize = 256

	addressLimit3Byte = 1 << 24
)

// Geometry describes the layout of the flash memory.
type Geometry struct {
	Capacity     uint64
	AddressWidth int
	SectorSize   uint32
}

func (g Geometry) SectorCount() uint64 {
	if g.SectorSize == 0 {
		return 0
	}
	return g.Capacity / uint64(g.SectorSize)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
