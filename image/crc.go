package image

import (
	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	crcTable = crc.NewTable(crc.CRC32)
}

// Checksum returns the IEEE CRC32 of data.
func Checksum(data []byte) uint32 {
	h := crc.NewHashWithTable(crcTable)
	h.Update(data)
	return h.CRC32()
}

// CRC32 returns the checksum of the segment payload.
func (s Segment) CRC32() uint32 {
	return Checksum(s.Data)
}
