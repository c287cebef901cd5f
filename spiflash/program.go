package spiflash

import (
	"context"
	"fmt"

	"github.com/BertoldVdb/fpgaflash/image"
)

type Phase string

const (
	PhaseErase   Phase = "erase"
	PhaseProgram Phase = "program"
	PhaseVerify  Phase = "verify"
)

// Progress is emitted after every erased sector, programmed page and
// verified segment.
type Progress struct {
	Phase Phase

	// Segment is the index of the segment being handled, -1 while erasing.
	Segment  int
	Segments int

	Done     int
	Total    int
	Fraction float64
}

type ProgressFunc func(Progress)

func (f *Flash) report(p Progress) {
	if p.Total > 0 {
		p.Fraction = float64(p.Done) / float64(p.Total)
	}
	if f.config.ProgressFunc != nil {
		f.config.ProgressFunc(p)
	}
}

// ErasePlan lists the sectors that need erasing. Sectors is indexed by sector
// number, Order holds every set sector once in the order it was requested.
type ErasePlan struct {
	SectorSize uint32
	Sectors    []bool
	Order      []uint32
}

func (p *ErasePlan) add(sector uint32) {
	if !p.Sectors[sector] {
		p.Sectors[sector] = true
		p.Order = append(p.Order, sector)
	}
}

// PlanErase computes which sectors overlap any segment.
func PlanErase(capacity uint64, sectorSize uint32, segments []image.Segment) (*ErasePlan, error) {
	if !isPowerOfTwo(capacity) || !isPowerOfTwo(uint64(sectorSize)) || uint64(sectorSize) > capacity {
		return nil, fmt.Errorf("%w: capacity %d, sector size %d", ErrorGeometry, capacity, sectorSize)
	}

	plan := &ErasePlan{
		SectorSize: sectorSize,
		Sectors:    make([]bool, capacity/uint64(sectorSize)),
	}

	for i, m := range segments {
		if m.End < m.Start || uint64(m.End) > capacity {
			return nil, fmt.Errorf("%w: segment %d %v", ErrorAddressRange, i, m)
		}
		if m.End == m.Start {
			continue
		}

		start := m.Start / sectorSize
		plan.add(start)

		for next := uint64(start) + 1; next*uint64(sectorSize) < uint64(m.End); next++ {
			plan.add(uint32(next))
		}
	}

	return plan, nil
}

// PageWrite is one page program command of a segment.
type PageWrite struct {
	Address uint32
	Data    []byte
}

// PageWrites splits a segment into page programs that never cross a page
// boundary or the end of the segment. The address span is authoritative,
// bytes beyond the payload are not written.
func PageWrites(seg image.Segment) []PageWrite {
	end := uint64(seg.Start) + uint64(seg.Span())
	if avail := uint64(seg.Start) + uint64(len(seg.Data)); avail < end {
		end = avail
	}

	var writes []PageWrite
	for addr := uint64(seg.Start); addr < end; {
		next := addr + uint64(pageCrossLength(uint32(addr), PageSize))
		if next > end {
			next = end
		}

		writes = append(writes, PageWrite{
			Address: uint32(addr),
			Data:    seg.Data[addr-uint64(seg.Start) : next-uint64(seg.Start)],
		})
		addr = next
	}
	return writes
}

// Program erases every sector touched by segments and then writes them. A
// sectorSize of zero uses the discovered size. All erases finish before the
// first page is programmed. The context is checked between commands; a
// command already sent always runs to completion.
func (f *Flash) Program(ctx context.Context, segments []image.Segment, sectorSize uint32) error {
	if sectorSize == 0 {
		sectorSize = f.sectorSize
	} else {
		f.log("Sector size is %d bytes (%s)", sectorSize, SectorSizeOverride)
	}

	plan, err := PlanErase(f.Capacity(), sectorSize, segments)
	if err != nil {
		return err
	}

	f.log("Erasing %d sectors", len(plan.Order))
	for i, m := range plan.Order {
		if err := ctx.Err(); err != nil {
			return f.abort(err)
		}

		if err := f.EraseSector(m * sectorSize); err != nil {
			return f.abort(err)
		}

		f.report(Progress{
			Phase:    PhaseErase,
			Segment:  -1,
			Segments: len(segments),
			Done:     i + 1,
			Total:    len(plan.Order),
		})
	}

	for i, m := range segments {
		if int(m.Span()) != len(m.Data) {
			f.log("Segment %d spans %d bytes but holds %d, writing %v", i, m.Span(), len(m.Data), m)
		}

		f.log("Programming segment %d/%d", i+1, len(segments))

		writes := PageWrites(m)
		for j, w := range writes {
			if err := ctx.Err(); err != nil {
				return f.abort(err)
			}

			if err := f.PageProgram(w.Address, w.Data); err != nil {
				return f.abort(fmt.Errorf("segment %d at %08x: %w", i, w.Address, err))
			}

			f.report(Progress{
				Phase:    PhaseProgram,
				Segment:  i,
				Segments: len(segments),
				Done:     j + 1,
				Total:    len(writes),
			})
		}
	}

	if err := f.WriteDisable(); err != nil {
		return err
	}

	if f.config.Verify {
		return f.Verify(ctx, segments)
	}

	return nil
}

/* Best effort to leave the chip write protected before returning err */
func (f *Flash) abort(err error) error {
	if wErr := f.WriteDisable(); wErr != nil {
		f.log("Write disable after failure: %v", wErr)
	}
	return err
}

// Verify reads every segment back and compares checksums.
func (f *Flash) Verify(ctx context.Context, segments []image.Segment) error {
	for i, m := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := m.Data
		if span := int(m.Span()); span < len(data) {
			data = data[:span]
		}

		readback := make([]byte, len(data))
		if _, err := f.Read(m.Start, readback); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}

		expected := image.Checksum(data)
		actual := image.Checksum(readback)
		if expected != actual {
			return &VerifyError{Segment: i, Address: m.Start, Expected: expected, Actual: actual}
		}

		f.report(Progress{
			Phase:    PhaseVerify,
			Segment:  i,
			Segments: len(segments),
			Done:     i + 1,
			Total:    len(segments),
		})
	}

	return nil
}
