package chip

import (
	"bytes"
	"fmt"

	"github.com/bigbag/bouffalo-flasher/embedded"
	"github.com/bigbag/bouffalo-flasher/internal/protocol"
)

// BootHeaderMagic opens every valid eflash-loader image.
var BootHeaderMagic = []byte("BFNP")

// Chip supplies the chip-specific pieces of a flash session: the
// eflash-loader image uploaded into RAM during the bootstrap.
type Chip interface {
	Name() string
	EflashLoader() ([]byte, error)
}

// ByName returns the chip matching the given name.
func ByName(name string) (Chip, error) {
	switch name {
	case "bl602", "BL602":
		return BL602{}, nil
	case "bl808", "BL808":
		return BL808{}, nil
	default:
		return nil, fmt.Errorf("unsupported chip %q (supported: bl602, bl808)", name)
	}
}

// ValidateLoader checks that an eflash-loader image is structurally
// sound: boot header, segment header, and the boot-header magic.
func ValidateLoader(blob []byte) error {
	minLen := protocol.BootHeaderLen + protocol.SegmentHeaderLen
	if len(blob) < minLen {
		return fmt.Errorf("eflash loader image is %d bytes, need at least %d", len(blob), minLen)
	}
	if !bytes.HasPrefix(blob, BootHeaderMagic) {
		return fmt.Errorf("eflash loader image has no %q boot header magic", BootHeaderMagic)
	}
	return nil
}

// BL602 is the original single-core part.
type BL602 struct{}

func (BL602) Name() string { return "BL602" }

func (BL602) EflashLoader() ([]byte, error) {
	blob := embedded.EflashLoaderBL602()
	if err := ValidateLoader(blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// BL808 is the triple-core part; its ROM speaks the same command set.
type BL808 struct{}

func (BL808) Name() string { return "BL808" }

func (BL808) EflashLoader() ([]byte, error) {
	blob := embedded.EflashLoaderBL808()
	if err := ValidateLoader(blob); err != nil {
		return nil, err
	}
	return blob, nil
}
