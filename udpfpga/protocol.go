package udpfpga

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const (
	DevicePort = 18520
	HostPort   = 18521

	// MaxReadCount is the number of registers one read request can return.
	MaxReadCount = 16
	// MaxWriteCount keeps a write request inside one Ethernet frame.
	MaxWriteCount = (maxPacket - writeHeaderLength) / 4

	maxPacket         = 1472
	headerLength      = 3
	writeHeaderLength = headerLength + 2
	statusOK          = 0
)

const (
	commandID    = "ID"
	commandSetIP = "SI"
	commandRead  = "RD"
	commandWrite = "WR"
)

var (
	ErrorShortPacket = errors.New("udpfpga: packet too short")
	ErrorTooMany     = errors.New("udpfpga: too many registers in one request")
	ErrorAddress     = errors.New("udpfpga: register address does not fit 16 bits")
	ErrorNotIPv4     = errors.New("udpfpga: address is not IPv4")
)

func header(command string) []byte {
	return []byte{command[0], command[1], statusOK}
}

func encodeID() []byte {
	return header(commandID)
}

func encodeSetIP(dna uint64, ip net.IP) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.Wrapf(ErrorNotIPv4, "%v", ip)
	}

	out := binary.BigEndian.AppendUint64(header(commandSetIP), dna)
	return append(out, ip4...), nil
}

func encodeRead(addr uint16, count int) ([]byte, error) {
	if count < 1 || count > MaxReadCount {
		return nil, errors.Wrapf(ErrorTooMany, "read of %d registers", count)
	}

	out := binary.BigEndian.AppendUint16(header(commandRead), addr)
	return append(out, byte(count)), nil
}

func encodeWrite(addr uint16, values []uint32) ([]byte, error) {
	if len(values) > MaxWriteCount {
		return nil, errors.Wrapf(ErrorTooMany, "write of %d registers", len(values))
	}

	out := binary.BigEndian.AppendUint16(header(commandWrite), addr)
	for _, m := range values {
		out = binary.BigEndian.AppendUint32(out, m)
	}
	return out, nil
}

/* Splits a reply into its command and payload. ok is false for anything
 * that is not a successful reply. */
func decodeHeader(packet []byte) (command string, payload []byte, ok bool) {
	if len(packet) < headerLength || packet[2] != statusOK {
		return "", nil, false
	}
	return string(packet[:2]), packet[headerLength:], true
}

func decodeID(payload []byte) (Device, error) {
	if len(payload) < 12 {
		return Device{}, errors.Wrapf(ErrorShortPacket, "ID reply of %d bytes", len(payload))
	}
	return Device{
		IP:  net.IPv4(payload[0], payload[1], payload[2], payload[3]).To4(),
		DNA: binary.BigEndian.Uint64(payload[4:12]),
	}, nil
}

func decodeSetIP(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, errors.Wrapf(ErrorShortPacket, "SI reply of %d bytes", len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

func decodeRead(payload []byte, count int) (uint16, []uint32, error) {
	if len(payload) < 2+4*count {
		return 0, nil, errors.Wrapf(ErrorShortPacket, "RD reply of %d bytes for %d registers", len(payload), count)
	}

	addr := binary.BigEndian.Uint16(payload)
	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint32(payload[2+4*i:])
	}
	return addr, values, nil
}

func decodeWrite(payload []byte) (uint16, int, error) {
	if len(payload) < 3 {
		return 0, 0, errors.Wrapf(ErrorShortPacket, "WR reply of %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload), int(payload[2]), nil
}
