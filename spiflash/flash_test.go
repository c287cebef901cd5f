package spiflash

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/BertoldVdb/fpgaflash/flashsim"
	"github.com/BertoldVdb/fpgaflash/spimaster"
)

type logRecorder struct {
	lines []string
}

func (l *logRecorder) logf(format string, params ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, params...))
}

func (l *logRecorder) contains(s string) bool {
	for _, m := range l.lines {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func newTestFlash(t *testing.T, chip *flashsim.Chip, opts ...Option) *Flash {
	t.Helper()

	f, err := New(chip, opts...)
	if err != nil {
		t.Fatal("Failed to create flash:", err)
	}
	return f
}

func TestOpcodeTable(t *testing.T) {
	tests := []struct {
		name   string
		opcode Opcode
	}{
		{"RES", 0xab}, {"RDID", 0x9f}, {"WREN", 0x06}, {"WRDI", 0x04},
		{"RDSR", 0x05}, {"WRSR", 0x01}, {"3READ", 0x03}, {"4READ", 0x13},
		{"FASTREAD", 0x0b}, {"3PP", 0x02}, {"4PP", 0x12}, {"3SE", 0xd8},
		{"4SE", 0xdc}, {"BE", 0xc7}, {"BRRD", 0x16}, {"BRWR", 0x17},
		{"RDSFDP", 0x5a},
	}

	for _, tt := range tests {
		op, ok := LookupOpcode(tt.name)
		if !ok || op != tt.opcode {
			t.Errorf("Opcode %s is %02x (%v), expected %02x", tt.name, byte(op), ok, byte(tt.opcode))
		}
		if op.String() != tt.name {
			t.Errorf("Opcode %02x has name %s, expected %s", byte(op), op.String(), tt.name)
		}
	}

	if _, ok := LookupOpcode("NOPE"); ok {
		t.Error("Unknown opcode found")
	}
	if Opcode(0xee).String() != "0xee" {
		t.Error("Unknown opcode formatted as", Opcode(0xee).String())
	}
}

func TestIdentify(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	chip.Extended = []byte{0x4d, 0x00, 0x80}

	f := newTestFlash(t, chip)
	id := f.Identification()

	if id.ElectronicSignature != 0x17 || id.ManufacturerID != 0x20 || id.MemoryType != 0xba {
		t.Error("Wrong identification:", spew.Sdump(id))
	}
	if id.Capacity() != 8*1024*1024 {
		t.Error("Wrong capacity:", id.Capacity())
	}
	if !bytes.Equal(id.ExtendedData, chip.Extended) {
		t.Error("Wrong extended data:", id.ExtendedData)
	}
	if len(id.SerialFlashParameters) != 0 {
		t.Error("SFDP found on chip without SFDP")
	}
	if chip.Count(0x9f) != 2 {
		t.Errorf("RDID issued %d times, expected 2", chip.Count(0x9f))
	}

	if !strings.Contains(id.String(), "Memory Capacity: 8388608 bytes") {
		t.Error("Identification string is wrong:", id.String())
	}
}

func TestIdentifyExtendedCount(t *testing.T) {
	for _, count := range []byte{0, 0xff} {
		chip := flashsim.New(23, 64*1024)
		c := count
		chip.ExtendedCount = &c

		f := newTestFlash(t, chip)
		if len(f.Identification().ExtendedData) != 0 {
			t.Errorf("Count %02x: extended data read", count)
		}
		if chip.Count(0x9f) != 1 {
			t.Errorf("Count %02x: RDID issued %d times", count, chip.Count(0x9f))
		}
	}
}

func TestIdentifySFDPAddressOrder(t *testing.T) {
	table := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	chip := flashsim.New(23, 64*1024)
	chip.SFDP = flashsim.BuildSFDP(0, table, 0x010203)

	f := newTestFlash(t, chip)

	if !bytes.Equal(f.Identification().SerialFlashParameters, table) {
		t.Error("Wrong SFDP table:", spew.Sdump(f.Identification().SerialFlashParameters))
	}

	var requests []flashsim.Transaction
	for _, m := range chip.Transactions {
		if m.Opcode == 0x5a {
			requests = append(requests, m)
		}
	}

	if len(requests) != 2 {
		t.Fatalf("Expected two RDSFDP commands, got %d", len(requests))
	}
	if !bytes.Equal(requests[0].Data[:3], []byte{0, 0, 0}) {
		t.Error("Header read from wrong address:", requests[0].Data[:3])
	}
	if !bytes.Equal(requests[1].Data[:3], []byte{0x01, 0x02, 0x03}) {
		t.Error("Table read with wrong address order:", requests[1].Data[:3])
	}
	if len(requests[1].Data) != 3+1+16 {
		t.Error("Table read has wrong length:", len(requests[1].Data))
	}
}

func TestIdentifySFDPUnsupported(t *testing.T) {
	tests := []struct {
		name string
		sfdp []byte
	}{
		{"blank", nil},
		{"bad signature", append([]byte("SFDX"), make([]byte, 12)...)},
		{"non basic table", flashsim.BuildSFDP(0x81, make([]byte, 16), 0x30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := flashsim.New(23, 64*1024)
			chip.SFDP = tt.sfdp

			f := newTestFlash(t, chip)
			if len(f.Identification().SerialFlashParameters) != 0 {
				t.Error("SFDP parameters read")
			}
			if chip.Count(0x5a) != 1 {
				t.Errorf("RDSFDP issued %d times", chip.Count(0x5a))
			}
		})
	}
}

func TestAddressWidth(t *testing.T) {
	tests := []struct {
		exp   byte
		width int
	}{
		{23, 3},
		{24, 3},
		{25, 4},
	}

	for _, tt := range tests {
		f := newTestFlash(t, flashsim.New(tt.exp, 64*1024))
		if f.AddressWidth() != tt.width {
			t.Errorf("Capacity 2^%d uses %d address bytes, expected %d", tt.exp, f.AddressWidth(), tt.width)
		}
		if g := f.Geometry(); g.AddressWidth != tt.width || g.Capacity != uint64(1)<<tt.exp {
			t.Error("Wrong geometry:", g)
		}
	}
}

func TestEraseSector4Byte(t *testing.T) {
	chip := flashsim.New(25, 64*1024)
	chip.Poke(0x1010000, []byte{1, 2, 3})

	f := newTestFlash(t, chip)
	if err := f.EraseSector(0x1010000); err != nil {
		t.Fatal("Erase failed:", err)
	}

	if chip.Count(0xdc) != 1 || chip.Count(0xd8) != 0 {
		t.Error("Wrong erase opcode used")
	}
	for _, m := range chip.Transactions {
		if m.Opcode == 0xdc && !bytes.Equal(m.Data, []byte{0x01, 0x01, 0x00, 0x00}) {
			t.Error("Wrong erase address:", m.Data)
		}
	}
	if !bytes.Equal(chip.Peek(0x1010000, 3), []byte{0xff, 0xff, 0xff}) {
		t.Error("Sector not erased")
	}
}

func TestEraseNotStarted(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	chip.BusyPolls = 0

	f := newTestFlash(t, chip)

	before := chip.Count(0x05)
	err := f.EraseSector(0x10000)

	var notStarted *EraseNotStartedError
	if !errors.As(err, &notStarted) {
		t.Fatal("Expected erase not started, got", err)
	}
	if notStarted.Address != 0x10000 {
		t.Errorf("Error reports address %x", notStarted.Address)
	}

	/* One poll for the write enable latch and ten for the erase */
	if polls := chip.Count(0x05) - before; polls != 11 {
		t.Errorf("Status read %d times, expected 11", polls)
	}
}

func TestWriteEnableFailure(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	chip.IgnoreWREN = true

	var rec logRecorder
	f := newTestFlash(t, chip, WithLogFunc(rec.logf))

	if err := f.WriteEnable(); err != nil {
		t.Error("Lenient write enable returned", err)
	}
	if !rec.contains("write enable failed") {
		t.Error("Write enable failure not logged:", rec.lines)
	}

	strict := newTestFlash(t, chip, WithStrictWriteEnable(true))
	var wErr *WriteEnableError
	if err := strict.WriteEnable(); !errors.As(err, &wErr) {
		t.Error("Strict write enable returned", err)
	}
}

func TestWriteDisable(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	f := newTestFlash(t, chip)

	if err := f.WriteEnable(); err != nil {
		t.Fatal(err)
	}
	if err := f.WriteDisable(); err != nil {
		t.Fatal(err)
	}

	status, err := f.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.WriteEnabled() || status.WriteInProgress() {
		t.Errorf("Status after write disable is %02x", byte(status))
	}
}

func TestCompletionTimeout(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	chip.BusyPolls = 1 << 30

	f := newTestFlash(t, chip, WithCompletionTimeout(20*time.Millisecond))
	if err := f.EraseSector(0); !errors.Is(err, ErrorCompletionTimeout) {
		t.Error("Expected completion timeout, got", err)
	}
}

func TestPageProgramBounds(t *testing.T) {
	f := newTestFlash(t, flashsim.New(16, 4096))

	if err := f.PageProgram(0x80, make([]byte, 200)); !errors.Is(err, ErrorPageSize) {
		t.Error("Page crossing write accepted:", err)
	}
	if err := f.PageProgram(0x10000, []byte{1}); !errors.Is(err, ErrorAddressRange) {
		t.Error("Write past the end accepted:", err)
	}
	if _, err := f.Read(0xffff, make([]byte, 2)); !errors.Is(err, ErrorAddressRange) {
		t.Error("Read past the end accepted:", err)
	}
}

func TestPageProgramFrame(t *testing.T) {
	chip := flashsim.New(23, 64*1024)
	f := newTestFlash(t, chip)

	data := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := f.PageProgram(0x123400, data); err != nil {
		t.Fatal(err)
	}

	/* The caller's buffer must not be touched */
	if !bytes.Equal(data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Error("Caller data modified:", data)
	}

	for _, m := range chip.Transactions {
		if m.Opcode == 0x02 && !bytes.Equal(m.Data, []byte{0x12, 0x34, 0x00, 0xde, 0xad, 0xbe, 0xef}) {
			t.Error("Wrong page program frame:", m.Data)
		}
	}
}

func TestBankAddress(t *testing.T) {
	small := newTestFlash(t, flashsim.New(24, 64*1024))
	if err := small.WriteBankAddress(3); err != nil {
		t.Fatal(err)
	}
	if bank, err := small.ReadBankAddress(); err != nil || bank != 3 {
		t.Error("Bank readback failed:", bank, err)
	}

	chip := flashsim.New(25, 64*1024)
	large := newTestFlash(t, chip)
	if err := large.WriteBankAddress(3); err != nil {
		t.Fatal(err)
	}
	if chip.Count(0x17) != 0 {
		t.Error("BRWR sent to 4 byte chip")
	}
	if bank, err := large.ReadBankAddress(); err != nil || bank != 0 {
		t.Error("4 byte chip reports bank", bank, err)
	}
	if chip.Count(0x16) != 0 {
		t.Error("BRRD sent to 4 byte chip")
	}
}

func TestReadChunks(t *testing.T) {
	chip := flashsim.New(20, 4096)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	chip.Poke(0x300, payload)

	f := newTestFlash(t, chip, WithMaxReadSize(64))

	buf := make([]byte, len(payload))
	n, err := f.Read(0x300, buf)
	if err != nil || n != len(payload) {
		t.Fatal("Read failed:", n, err)
	}
	if !bytes.Equal(buf, payload) {
		t.Error("Read returned wrong data")
	}
	if chip.Count(0x03) != 16 {
		t.Errorf("Read used %d commands, expected 16", chip.Count(0x03))
	}
}

type shortMaster struct{}

func (shortMaster) Command(opcode byte, dummy int, numRead int, out []byte) ([]byte, error) {
	return nil, nil
}

type failingMaster struct{}

func (failingMaster) Command(opcode byte, dummy int, numRead int, out []byte) ([]byte, error) {
	return nil, &spimaster.CollisionError{Written: 1}
}

func TestTransportErrorsPropagate(t *testing.T) {
	if _, err := New(shortMaster{}); !errors.Is(err, ErrorShortResponse) {
		t.Error("Short response not reported:", err)
	}

	var collision *spimaster.CollisionError
	if _, err := New(failingMaster{}); !errors.As(err, &collision) {
		t.Error("Collision not propagated:", err)
	}
}

func TestEraseChip(t *testing.T) {
	chip := flashsim.New(20, 4096)
	chip.Poke(0x1234, []byte{0x00, 0x11})
	chip.Poke(0xff000, []byte{0x22})
	f := newTestFlash(t, chip)

	if err := f.EraseChip(); err != nil {
		t.Fatal(err)
	}
	if chip.Count(0xc7) != 1 {
		t.Error("Bulk erase not issued")
	}
	if !bytes.Equal(chip.Peek(0x1234, 2), []byte{0xff, 0xff}) || chip.Peek(0xff000, 1)[0] != 0xff {
		t.Error("Chip not erased")
	}
}
