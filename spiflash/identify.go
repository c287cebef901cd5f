package spiflash

import (
	"fmt"
	"strings"
)

const (
	sfdpSignature       = "SFDP"
	sfdpHeaderLength    = 16
	sfdpOffsetParamID   = 8
	sfdpOffsetParamLen  = 11
	sfdpOffsetParamAddr = 12
	sfdpBasicTableID    = 0

	rdidLength       = 4
	rdidNoExtended   = 0
	rdidUnprogrammed = 0xff
)

// Identification is what the chip reports about itself. It is read once
// when the Flash is created.
type Identification struct {
	ElectronicSignature byte
	ManufacturerID      byte
	MemoryType          byte
	CapacityExponent    byte

	ExtendedData          []byte
	SerialFlashParameters []byte
}

// Capacity is 2^CapacityExponent bytes, or zero if that does not fit.
func (id *Identification) Capacity() uint64 {
	if id.CapacityExponent >= 64 {
		return 0
	}
	return uint64(1) << id.CapacityExponent
}

func (id *Identification) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Electronic Signature: 0x%x\n", id.ElectronicSignature)
	fmt.Fprintf(&b, "Manufacturer ID: 0x%x\n", id.ManufacturerID)
	fmt.Fprintf(&b, "Memory Type: 0x%x Memory Capacity: %d bytes\n", id.MemoryType, id.Capacity())
	if len(id.ExtendedData) > 0 {
		fmt.Fprintf(&b, "Extended Data: %d bytes\n", len(id.ExtendedData))
	}
	if len(id.SerialFlashParameters) > 0 {
		fmt.Fprintf(&b, "Serial Flash Discoverable Parameters: %d bytes\n", len(id.SerialFlashParameters))
	}
	return b.String()
}

func (f *Flash) identify() error {
	res, err := f.query(OpcodeRES, 3, 1, nil)
	if err != nil {
		return err
	}
	f.id.ElectronicSignature = res[0]

	res, err = f.query(OpcodeRDID, 0, rdidLength, nil)
	if err != nil {
		return err
	}
	f.id.ManufacturerID = res[0]
	f.id.MemoryType = res[1]
	f.id.CapacityExponent = res[2]

	if count := int(res[3]); count != rdidNoExtended && count != rdidUnprogrammed {
		res, err = f.query(OpcodeRDID, 0, rdidLength+count, nil)
		if err != nil {
			return err
		}
		f.id.ExtendedData = append([]byte(nil), res[rdidLength:rdidLength+count]...)
	}

	f.id.SerialFlashParameters, err = f.readSFDP()
	return err
}

func (f *Flash) readSFDP() ([]byte, error) {
	hdr, err := f.query(OpcodeRDSFDP, 1, sfdpHeaderLength, []byte{0, 0, 0})
	if err != nil {
		return nil, err
	}

	if string(hdr[:len(sfdpSignature)]) != sfdpSignature {
		f.log("Chip does not support SFDP")
		return nil, nil
	}

	if hdr[sfdpOffsetParamID] != sfdpBasicTableID {
		f.log("First SFDP parameter table is not the basic table (id %02x)", hdr[sfdpOffsetParamID])
		return nil, nil
	}

	length := int(hdr[sfdpOffsetParamLen]) * 4
	if length == 0 {
		return nil, nil
	}

	/* The header stores the pointer low byte first, the command wants it
	 * high byte first */
	addr := []byte{
		hdr[sfdpOffsetParamAddr+2],
		hdr[sfdpOffsetParamAddr+1],
		hdr[sfdpOffsetParamAddr],
	}

	return f.query(OpcodeRDSFDP, 1, length, addr)
}
