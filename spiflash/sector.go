package spiflash

// SectorSizeSource tells how a sector size was determined.
type SectorSizeSource int

const (
	SectorSizeDefault SectorSizeSource = iota
	SectorSizeSFDP
	SectorSizeCFI
	SectorSizeOverride
)

func (s SectorSizeSource) String() string {
	switch s {
	case SectorSizeSFDP:
		return "SFDP"
	case SectorSizeCFI:
		return "CFI"
	case SectorSizeOverride:
		return "override"
	}
	return "default"
}

const (
	DefaultSectorSize = 64 * 1024

	manufacturerSpansion = 0x01

	cfiUniformSectors256K = 0x00
	cfiUniformSectors64K  = 0x01

	sfdpMaxSizeExponent = 31
)

/* Offsets of (size exponent, opcode) pairs for the four erase types of the
 * basic parameter table */
var sfdpEraseTypes = []int{0x1c, 0x1e, 0x20, 0x22}

// DiscoverSectorSize derives the size erased by the 3 byte sector erase
// opcode from SFDP, then Spansion/Cypress CFI data, then falls back to 64KiB.
// The result is always a power of two. logf may be nil.
func DiscoverSectorSize(id *Identification, logf func(format string, params ...any)) (uint32, SectorSizeSource) {
	log := func(format string, params ...any) {
		if logf != nil {
			logf(format, params...)
		}
	}

	if params := id.SerialFlashParameters; len(params) > 0 {
		for _, m := range sfdpEraseTypes {
			if m+1 >= len(params) {
				break
			}
			exp := params[m]
			if Opcode(params[m+1]) == OpcodeSE3 && exp > 0 && exp <= sfdpMaxSizeExponent {
				return uint32(1) << exp, SectorSizeSFDP
			}
		}
		log("SFDP does not list an erase type for opcode %s", OpcodeSE3)
	}

	if id.ManufacturerID == manufacturerSpansion && len(id.ExtendedData) > 0 {
		switch id.ExtendedData[0] {
		case cfiUniformSectors256K:
			return 256 * 1024, SectorSizeCFI
		case cfiUniformSectors64K:
			return 64 * 1024, SectorSizeCFI
		}
		log("Unknown sector architecture %x in Spansion/Cypress CFI, guessing 64 kB", id.ExtendedData[0])
		return DefaultSectorSize, SectorSizeCFI
	}

	log("No SFDP, no CFI: guessing sector size is 64 kB, pass the correct value if this is wrong")
	return DefaultSectorSize, SectorSizeDefault
}
