package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Segment is a contiguous block of bytes destined for [Start, End).
type Segment struct {
	Start uint32
	End   uint32
	Data  []byte
}

// Size is the number of payload bytes. It normally equals End-Start, but
// loaders are not required to guarantee it.
func (s Segment) Size() int {
	return len(s.Data)
}

// Span is the number of addresses covered by the segment.
func (s Segment) Span() uint32 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

func (s Segment) String() string {
	return fmt.Sprintf("[%08x, %08x) %d bytes", s.Start, s.End, len(s.Data))
}

// Image is an ordered collection of segments. Segments may be in any order
// and need not be contiguous.
type Image struct {
	Segments []Segment
}

var (
	ErrorSegmentBounds = errors.New("segment end is before its start")
	ErrorEmptyImage    = errors.New("image contains no data")
)

// Validate checks that every segment has Start <= End.
func (img *Image) Validate() error {
	if len(img.Segments) == 0 {
		return ErrorEmptyImage
	}
	for i, m := range img.Segments {
		if m.End < m.Start {
			return errors.Wrapf(ErrorSegmentBounds, "segment %d", i)
		}
	}
	return nil
}

// Size returns the total payload size of all segments.
func (img *Image) Size() int {
	total := 0
	for _, m := range img.Segments {
		total += len(m.Data)
	}
	return total
}

// Bounds returns the lowest start and highest end address of the image.
func (img *Image) Bounds() (uint32, uint32) {
	if len(img.Segments) == 0 {
		return 0, 0
	}

	sorted := make([]Segment, len(img.Segments))
	copy(sorted, img.Segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	low, high := sorted[0].Start, sorted[0].End
	for _, m := range sorted[1:] {
		if m.End > high {
			high = m.End
		}
	}
	return low, high
}

// FromBinary wraps a raw binary blob into a single segment image at base.
func FromBinary(data []byte, base uint32) *Image {
	return &Image{
		Segments: []Segment{{
			Start: base,
			End:   base + uint32(len(data)),
			Data:  data,
		}},
	}
}

// LoadFile reads an image from disk. Files ending in .bin are loaded raw at
// base, everything else is parsed as Intel HEX (this includes Xilinx .mcs).
func LoadFile(path string, base uint32) (*Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return FromBinary(buf, base), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := ParseHex(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return img, nil
}
