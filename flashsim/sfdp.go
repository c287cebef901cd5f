package flashsim

// BuildSFDP lays out an SFDP area with a single parameter header describing
// table, which is placed at tableAddr.
func BuildSFDP(parameterID byte, table []byte, tableAddr uint32) []byte {
	size := int(tableAddr) + len(table)
	if size < 16 {
		size = 16
	}

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xff
	}

	copy(buf, "SFDP")
	buf[4] = 0x06 // minor revision
	buf[5] = 0x01 // major revision
	buf[6] = 0x00 // one parameter header
	buf[7] = 0xff

	buf[8] = parameterID
	buf[9] = 0x06
	buf[10] = 0x01
	buf[11] = byte(len(table) / 4)
	buf[12] = byte(tableAddr)
	buf[13] = byte(tableAddr >> 8)
	buf[14] = byte(tableAddr >> 16)
	buf[15] = 0xff

	copy(buf[tableAddr:], table)
	return buf
}

// BasicTable returns a 9 dword JEDEC basic flash parameter table with the
// given erase types as (size exponent, opcode) pairs. Unused types are zero.
func BasicTable(eraseTypes ...[2]byte) []byte {
	table := make([]byte, 36)
	for i := range table {
		table[i] = 0xff
	}
	for i := 0x1c; i < 0x24; i++ {
		table[i] = 0
	}
	for i, m := range eraseTypes {
		if i >= 4 {
			break
		}
		table[0x1c+2*i] = m[0]
		table[0x1d+2*i] = m[1]
	}
	return table
}
