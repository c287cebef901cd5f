package spimaster

// OpenCores simple SPI controller registers.
const (
	ocRegSPCR uint32 = 0x00
	ocRegSPSR uint32 = 0x04
	ocRegSPDR uint32 = 0x08
	ocRegSPER uint32 = 0x0c
)

const (
	ocSPCRInterruptEnable uint32 = 1 << 7
	ocSPCREnable          uint32 = 1 << 6
	ocSPCRMaster          uint32 = 1 << 4
	ocSPCRCPOL            uint32 = 1 << 3
	ocSPCRCPHA            uint32 = 1 << 2

	ocSPSRInterrupt      uint32 = 0x80
	ocSPSRWriteCollision uint32 = 0x40
	ocSPSRWriteFull      uint32 = 0x08
	ocSPSRWriteEmpty     uint32 = 0x04
	ocSPSRReadFull       uint32 = 0x02
	ocSPSRReadEmpty      uint32 = 0x01
)

// OpenCores is the FIFO register backend. Bytes are pushed one at a time
// through the data register; chip select is driven by the bus.
type OpenCores struct {
	bus    ChipSelectBus
	base   uint32
	device int
}

// NewOpenCores enables the core as master in SPI mode 0 with interrupts off,
// then clears the flags a previous user may have left pending.
func NewOpenCores(bus ChipSelectBus, base uint32, device int) (*OpenCores, error) {
	o := &OpenCores{
		bus:    bus,
		base:   base,
		device: device,
	}

	ctrl, err := bus.Read(base + ocRegSPCR)
	if err != nil {
		return nil, err
	}

	ctrl |= ocSPCREnable | ocSPCRMaster
	ctrl &^= ocSPCRInterruptEnable | ocSPCRCPOL | ocSPCRCPHA

	if err := bus.Write(base+ocRegSPCR, ctrl); err != nil {
		return nil, err
	}

	/* Flags clear by writing ones */
	if err := bus.Write(base+ocRegSPSR, ocSPSRInterrupt|ocSPSRWriteCollision); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *OpenCores) status() (uint32, error) {
	return o.bus.Read(o.base + ocRegSPSR)
}

func (o *OpenCores) shift(value byte) error {
	return o.bus.Write(o.base+ocRegSPDR, uint32(value))
}

func (o *OpenCores) Command(opcode byte, dummy int, numRead int, out []byte) (result []byte, err error) {
	if err := o.bus.ChipSelect(o.device, true); err != nil {
		return nil, err
	}
	defer func() {
		if csErr := o.bus.ChipSelect(o.device, false); csErr != nil && err == nil {
			err = csErr
		}
	}()

	if err := o.shift(opcode); err != nil {
		return nil, err
	}

	for i, m := range out {
		if err := o.shift(m); err != nil {
			return nil, err
		}

		status, err := o.status()
		if err != nil {
			return nil, err
		}
		if status&ocSPSRWriteCollision != 0 {
			if err := o.bus.Write(o.base+ocRegSPSR, ocSPSRWriteCollision); err != nil {
				return nil, err
			}
			return nil, &CollisionError{Written: i + 1}
		}
	}

	for i := 0; i < dummy; i++ {
		if err := o.shift(0); err != nil {
			return nil, err
		}
	}

	/* Drop whatever was clocked in while sending */
	for {
		status, err := o.status()
		if err != nil {
			return nil, err
		}
		if status&ocSPSRReadEmpty != 0 {
			break
		}
		if _, err := o.bus.Read(o.base + ocRegSPDR); err != nil {
			return nil, err
		}
	}

	result = make([]byte, numRead)
	for i := range result {
		if err := o.shift(0); err != nil {
			return nil, err
		}

		value, err := o.bus.Read(o.base + ocRegSPDR)
		if err != nil {
			return nil, err
		}
		result[i] = byte(value)
	}

	return result, nil
}
