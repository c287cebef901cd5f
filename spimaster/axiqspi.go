package spimaster

// Xilinx AXI Quad SPI registers.
const (
	axiRegSRR            uint32 = 0x40
	axiRegSPICR          uint32 = 0x60
	axiRegSPISR          uint32 = 0x64
	axiRegSPIDTR         uint32 = 0x68
	axiRegSPIDRR         uint32 = 0x6c
	axiRegSPISSR         uint32 = 0x70
	axiRegTxFIFOOccupant uint32 = 0x74
	axiRegRxFIFOOccupant uint32 = 0x78
	axiRegDGIER          uint32 = 0x1c
	axiRegIPISR          uint32 = 0x20
	axiRegIPIER          uint32 = 0x28
)

const (
	axiSPICREnable        uint32 = 1 << 1
	axiSPICRMaster        uint32 = 1 << 2
	axiSPICRTxFIFOReset   uint32 = 1 << 5
	axiSPICRRxFIFOReset   uint32 = 1 << 6
	axiSPICRManualSS      uint32 = 1 << 7
	axiSPICRInhibit       uint32 = 1 << 8
	axiSPICRStart                = axiSPICREnable | axiSPICRMaster | axiSPICRManualSS
	axiSPICRStop                 = axiSPICRStart | axiSPICRInhibit
	axiSPICRResetAndPause        = axiSPICRStop | axiSPICRTxFIFOReset | axiSPICRRxFIFOReset

	axiSPISRTxEmpty uint32 = 1 << 2

	axiSSRNone uint32 = 0xffff
)

const (
	// AXIFIFODepth is the number of bytes the controller buffers per direction.
	AXIFIFODepth = 16

	defaultDonePolls = 1000
)

// AXIQuadSPI is the burst FIFO backend. A command is sent as one frame in
// FIFO sized chunks while the slave select stays asserted.
type AXIQuadSPI struct {
	bus    Bus
	base   uint32
	device int

	// DonePolls bounds the number of status reads spent waiting for the
	// transmit FIFO to drain.
	DonePolls int
}

func NewAXIQuadSPI(bus Bus, base uint32, device int) *AXIQuadSPI {
	return &AXIQuadSPI{
		bus:       bus,
		base:      base,
		device:    device,
		DonePolls: defaultDonePolls,
	}
}

func (a *AXIQuadSPI) waitDone() error {
	for i := 0; i < a.DonePolls; i++ {
		status, err := a.bus.Read(a.base + axiRegSPISR)
		if err != nil {
			return err
		}
		if status&axiSPISRTxEmpty != 0 {
			return nil
		}
	}
	return ErrorTransferNotDone
}

func (a *AXIQuadSPI) load(chunk []byte) error {
	words := make([]uint32, len(chunk))
	for i, m := range chunk {
		words[i] = uint32(m)
	}
	return a.bus.Write(a.base+axiRegSPIDTR, words...)
}

func (a *AXIQuadSPI) Command(opcode byte, dummy int, numRead int, out []byte) (result []byte, err error) {
	if err := a.bus.Write(a.base+axiRegSPICR, axiSPICRResetAndPause); err != nil {
		return nil, err
	}

	data := frame(opcode, dummy, numRead, out)
	received := make([]byte, 0, len(data))

	chunk := data
	if len(chunk) > AXIFIFODepth {
		chunk = chunk[:AXIFIFODepth]
	}
	data = data[len(chunk):]

	if err := a.load(chunk); err != nil {
		return nil, err
	}

	if err := a.bus.Write(a.base+axiRegSPISSR, axiSSRNone&^(1<<uint(a.device))); err != nil {
		return nil, err
	}
	defer func() {
		if rErr := a.bus.Write(a.base+axiRegSPISSR, axiSSRNone); rErr != nil && err == nil {
			err = rErr
		}
		if rErr := a.bus.Write(a.base+axiRegSPICR, axiSPICRStop); rErr != nil && err == nil {
			err = rErr
		}
		if err != nil {
			result = nil
		}
	}()

	if err := a.bus.Write(a.base+axiRegSPICR, axiSPICRStart); err != nil {
		return nil, err
	}

	for {
		if err := a.waitDone(); err != nil {
			return nil, err
		}

		words, err := a.bus.ReadMultiple(a.base+axiRegSPIDRR, len(chunk))
		if err != nil {
			return nil, err
		}
		for _, m := range words {
			received = append(received, byte(m))
		}

		if len(data) == 0 {
			break
		}

		chunk = data
		if len(chunk) > AXIFIFODepth {
			chunk = chunk[:AXIFIFODepth]
		}
		data = data[len(chunk):]

		if err := a.load(chunk); err != nil {
			return nil, err
		}
	}

	return trim(received, dummy, out), nil
}
