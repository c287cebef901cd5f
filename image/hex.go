package image

import (
	"io"
	"sort"

	"github.com/marcinbor85/gohex"
)

// HexError is returned when the Intel HEX parser rejects a file.
type HexError struct {
	Err error
}

func (e *HexError) Error() string {
	return "image: " + e.Err.Error()
}

func (e *HexError) Unwrap() error {
	return e.Err
}

// ParseHex parses an Intel HEX stream (Xilinx .mcs files use the same format).
// Data that continues exactly where other data ended is merged, any jump in
// address starts a new segment.
func ParseHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, &HexError{Err: err}
	}

	data := mem.GetDataSegments()
	sort.Slice(data, func(i, j int) bool { return data[i].Address < data[j].Address })

	img := &Image{}
	for _, m := range data {
		if len(m.Data) == 0 {
			continue
		}

		if n := len(img.Segments); n > 0 && img.Segments[n-1].End == m.Address {
			last := &img.Segments[n-1]
			last.Data = append(last.Data, m.Data...)
			last.End += uint32(len(m.Data))
			continue
		}

		img.Segments = append(img.Segments, Segment{
			Start: m.Address,
			End:   m.Address + uint32(len(m.Data)),
			Data:  append([]byte(nil), m.Data...),
		})
	}

	return img, nil
}
