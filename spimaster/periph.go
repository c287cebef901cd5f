package spimaster

import (
	"periph.io/x/conn/v3/spi"
)

// Periph runs commands on a host SPI port. The port drives chip select for
// the duration of each Tx.
type Periph struct {
	conn spi.Conn
}

func NewPeriph(conn spi.Conn) *Periph {
	return &Periph{conn: conn}
}

func (p *Periph) Command(opcode byte, dummy int, numRead int, out []byte) ([]byte, error) {
	w := frame(opcode, dummy, numRead, out)
	r := make([]byte, len(w))

	if err := p.conn.Tx(w, r); err != nil {
		return nil, err
	}

	return trim(r, dummy, out), nil
}
