// Package image prepares the (address, data) segments the flash driver
// consumes. Input is raw .bin files; addresses come from the caller.
package image

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Segment is one contiguous byte range with its target flash address.
// Addresses are flash-relative and 4-byte aligned.
type Segment struct {
	Addr uint32
	Data []byte
	Name string
}

// Size returns the segment length in bytes.
func (s Segment) Size() uint32 {
	return uint32(len(s.Data))
}

// FromFile reads a raw binary image as a single segment at addr.
func FromFile(path string, addr uint32) (Segment, error) {
	if addr%4 != 0 {
		return Segment{}, fmt.Errorf("flash address 0x%x is not 4-byte aligned", addr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Segment{}, fmt.Errorf("failed to read image file: %w", err)
	}
	return Segment{Addr: addr, Data: data, Name: path}, nil
}

// ParseArg parses a "file@address" command-line argument, e.g.
// "firmware.bin@0x10000". A bare file name maps to address 0.
func ParseArg(arg string) (Segment, error) {
	path := arg
	var addr uint64
	if i := strings.LastIndex(arg, "@"); i >= 0 {
		path = arg[:i]
		var err error
		addr, err = strconv.ParseUint(strings.TrimPrefix(arg[i+1:], "0x"), 16, 32)
		if err != nil {
			return Segment{}, fmt.Errorf("bad flash address in %q: %w", arg, err)
		}
	}
	return FromFile(path, uint32(addr))
}
