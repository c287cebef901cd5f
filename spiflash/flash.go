package spiflash

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/BertoldVdb/fpgaflash/spimaster"
)

type Flash struct {
	master spimaster.Master
	config Config

	id Identification

	sectorSize       uint32
	sectorSizeSource SectorSizeSource
}

// New identifies the chip behind master and discovers its sector size.
// Missing SFDP or CFI data is not an error, transport errors are.
func New(master spimaster.Master, opts ...Option) (*Flash, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &Flash{
		master: master,
		config: cfg,
	}

	if err := f.identify(); err != nil {
		return nil, err
	}

	f.sectorSize, f.sectorSizeSource = DiscoverSectorSize(&f.id, f.log)
	f.log("Sector size is %d bytes (%s)", f.sectorSize, f.sectorSizeSource)

	return f, nil
}

func (f *Flash) log(format string, params ...any) {
	if f.config.LogFunc != nil {
		f.config.LogFunc(format, params...)
	}
}

// Command passes a raw command to the SPI master.
func (f *Flash) Command(opcode Opcode, dummy int, numRead int, out []byte) ([]byte, error) {
	return f.master.Command(byte(opcode), dummy, numRead, out)
}

func (f *Flash) query(opcode Opcode, dummy int, numRead int, out []byte) ([]byte, error) {
	res, err := f.Command(opcode, dummy, numRead, out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opcode, err)
	}
	if len(res) < numRead {
		return nil, fmt.Errorf("%s: %w", opcode, ErrorShortResponse)
	}
	return res, nil
}

func (f *Flash) Identification() Identification {
	return f.id
}

func (f *Flash) Capacity() uint64 {
	return f.id.Capacity()
}

func (f *Flash) is4Byte() bool {
	return f.Capacity() > addressLimit3Byte
}

func (f *Flash) AddressWidth() int {
	if f.is4Byte() {
		return 4
	}
	return 3
}

// SectorSize returns the discovered erase sector size and where it came from.
func (f *Flash) SectorSize() (uint32, SectorSizeSource) {
	return f.sectorSize, f.sectorSizeSource
}

func (f *Flash) Geometry() Geometry {
	return Geometry{
		Capacity:     f.Capacity(),
		AddressWidth: f.AddressWidth(),
		SectorSize:   f.sectorSize,
	}
}

func (f *Flash) addressBytes(address uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], address)
	return buf[4-f.AddressWidth():]
}

func (f *Flash) checkRange(address uint32, length int) error {
	if uint64(address)+uint64(length) > f.Capacity() {
		return fmt.Errorf("%w: %08x+%d", ErrorAddressRange, address, length)
	}
	return nil
}

func (f *Flash) Status() (Status, error) {
	res, err := f.query(OpcodeRDSR, 0, 1, nil)
	if err != nil {
		return 0, err
	}
	return Status(res[0]), nil
}

// WriteEnable sets the write enable latch. If the latch is not observed the
// failure is logged and nil returned, unless StrictWriteEnable is set.
func (f *Flash) WriteEnable() error {
	if _, err := f.Command(OpcodeWREN, 0, 0, nil); err != nil {
		return err
	}

	var status Status
	for i := 0; i < f.config.WriteEnablePolls; i++ {
		var err error
		if status, err = f.Status(); err != nil {
			return err
		}
		if status.WriteEnabled() {
			return nil
		}
	}

	wErr := &WriteEnableError{Status: status}
	if f.config.StrictWriteEnable {
		return wErr
	}
	f.log("%v", wErr)
	return nil
}

// WriteDisable clears the write enable latch. A latch that is still set is
// handled like in WriteEnable.
func (f *Flash) WriteDisable() error {
	if _, err := f.Command(OpcodeWRDI, 0, 0, nil); err != nil {
		return err
	}

	status, err := f.Status()
	if err != nil {
		return err
	}
	if !status.WriteEnabled() {
		return nil
	}

	wErr := &WriteDisableError{Status: status}
	if f.config.StrictWriteEnable {
		return wErr
	}
	f.log("%v", wErr)
	return nil
}

/* Returns the last status and whether write in progress was seen */
func (f *Flash) waitStart() (Status, bool, error) {
	var status Status
	for i := 0; i < f.config.StartPolls; i++ {
		var err error
		if status, err = f.Status(); err != nil {
			return status, false, err
		}
		if status.WriteInProgress() {
			return status, true, nil
		}
	}
	return status, false, nil
}

func (f *Flash) waitIdle(status Status) error {
	var timeout time.Time
	if f.config.CompletionTimeout > 0 {
		timeout = time.Now().Add(f.config.CompletionTimeout)
	}

	for status.WriteInProgress() {
		if !timeout.IsZero() && time.Now().After(timeout) {
			return ErrorCompletionTimeout
		}

		var err error
		if status, err = f.Status(); err != nil {
			return err
		}
	}
	return nil
}

// EraseSector erases the sector containing address. It fails without
// waiting further if the chip does not report the erase as started.
func (f *Flash) EraseSector(address uint32) error {
	if err := f.checkRange(address, 1); err != nil {
		return err
	}

	if err := f.WriteEnable(); err != nil {
		return err
	}

	opcode := OpcodeSE3
	if f.is4Byte() {
		opcode = OpcodeSE4
	}

	if _, err := f.Command(opcode, 0, 0, f.addressBytes(address)); err != nil {
		return err
	}

	status, started, err := f.waitStart()
	if err != nil {
		return err
	}
	if !started {
		return &EraseNotStartedError{Address: address, Status: status}
	}

	return f.waitIdle(status)
}

// EraseChip erases the whole chip.
func (f *Flash) EraseChip() error {
	if err := f.WriteEnable(); err != nil {
		return err
	}

	if _, err := f.Command(OpcodeBE, 0, 0, nil); err != nil {
		return err
	}

	status, started, err := f.waitStart()
	if err != nil {
		return err
	}
	if !started {
		return &EraseNotStartedError{Status: status}
	}

	return f.waitIdle(status)
}

// PageProgram writes data, which must not cross a page boundary.
func (f *Flash) PageProgram(address uint32, data []byte) error {
	if int(address%PageSize)+len(data) > PageSize {
		return ErrorPageSize
	}
	if err := f.checkRange(address, len(data)); err != nil {
		return err
	}

	if err := f.WriteEnable(); err != nil {
		return err
	}

	opcode := OpcodePP3
	if f.is4Byte() {
		opcode = OpcodePP4
	}

	addr := f.addressBytes(address)
	frame := make([]byte, 0, len(addr)+len(data))
	frame = append(frame, addr...)
	frame = append(frame, data...)

	if _, err := f.Command(opcode, 0, 0, frame); err != nil {
		return err
	}

	/* Fast chips may be done before the first poll */
	status, _, err := f.waitStart()
	if err != nil {
		return err
	}

	return f.waitIdle(status)
}

func (f *Flash) read(offset uint32, data []byte) (int, error) {
	if len(data) > f.config.MaxReadSize {
		data = data[:f.config.MaxReadSize]
	}

	opcode := OpcodeRead3
	if f.is4Byte() {
		opcode = OpcodeRead4
	}

	res, err := f.query(opcode, 0, len(data), f.addressBytes(offset))
	if err != nil {
		return 0, err
	}

	return copy(data, res), nil
}

func (f *Flash) Read(offset uint32, data []byte) (int, error) {
	if err := f.checkRange(offset, len(data)); err != nil {
		return 0, err
	}

	return completeIO(offset, data, f.read)
}

// WriteBankAddress selects the upper address byte on 3 byte addressed chips.
// Chips using 4 byte addresses ignore it.
func (f *Flash) WriteBankAddress(bank byte) error {
	if f.is4Byte() {
		return nil
	}

	_, err := f.Command(OpcodeBRWR, 0, 0, []byte{bank})
	return err
}

func (f *Flash) ReadBankAddress() (byte, error) {
	if f.is4Byte() {
		return 0, nil
	}

	res, err := f.query(OpcodeBRRD, 0, 1, nil)
	if err != nil {
		return 0, err
	}
	return res[0], nil
}
