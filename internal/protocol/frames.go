package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command opcodes understood by the BL60x ROM bootloader and, after the
// bootstrap, by the eflash loader. Each request on the wire is
// opcode || 0x00 || length(u16 LE) || payload.
const (
	CmdGetBootInfo       = 0x10
	CmdLoadBootHeader    = 0x11
	CmdLoadSegmentHeader = 0x17
	CmdLoadSegmentData   = 0x18
	CmdCheckImage        = 0x19
	CmdRunImage          = 0x1A
	CmdFlashErase        = 0x30
	CmdFlashProgram      = 0x31
	CmdFlashRead         = 0x32
	CmdSha256Read        = 0x3D
)

// Fixed sizes from the boot ROM image format.
const (
	BootHeaderLen    = 176
	SegmentHeaderLen = 16
)

// Payload limits.
const (
	MaxChunkSize  = 4000 // LoadSegmentData and FlashProgram data cap
	ReadBlockSize = 4096 // flash dump read granularity
)

// Expected response sizes, including the 2-byte status header.
const (
	BootInfoRespLen      = 22
	SegmentHeaderRespLen = 18
	Sha256RespLen        = 34
)

// ErrDecode reports a response that failed structural decode.
type ErrDecode struct {
	Reason string
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("response decode failed: %s", e.Reason)
}

// encodeRequest serializes a request into a single contiguous buffer.
// The length field is always recomputed from the payload, so callers
// cannot desync the two.
func encodeRequest(cmd byte, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = cmd
	buf[1] = 0x00
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// GetBootInfo builds the boot-info query.
func GetBootInfo() []byte {
	return encodeRequest(CmdGetBootInfo, nil)
}

// CheckImage asks the ROM to validate the uploaded loader image.
func CheckImage() []byte {
	return encodeRequest(CmdCheckImage, nil)
}

// RunImage transfers control to the uploaded loader image.
func RunImage() []byte {
	return encodeRequest(CmdRunImage, nil)
}

// LoadBootHeader builds the boot-header upload request.
// The header must be exactly BootHeaderLen bytes.
func LoadBootHeader(header []byte) ([]byte, error) {
	if len(header) != BootHeaderLen {
		return nil, fmt.Errorf("boot header must be %d bytes, got %d", BootHeaderLen, len(header))
	}
	return encodeRequest(CmdLoadBootHeader, header), nil
}

// LoadSegmentHeader builds the segment-header upload request.
// The header must be exactly SegmentHeaderLen bytes.
func LoadSegmentHeader(header []byte) ([]byte, error) {
	if len(header) != SegmentHeaderLen {
		return nil, fmt.Errorf("segment header must be %d bytes, got %d", SegmentHeaderLen, len(header))
	}
	return encodeRequest(CmdLoadSegmentHeader, header), nil
}

// LoadSegmentData builds a segment-data chunk upload request.
func LoadSegmentData(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > MaxChunkSize {
		return nil, fmt.Errorf("segment data chunk must be 1..%d bytes, got %d", MaxChunkSize, len(data))
	}
	return encodeRequest(CmdLoadSegmentData, data), nil
}

// FlashErase builds an erase request for the [start, end) flash range.
func FlashErase(start, end uint32) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], start)
	binary.LittleEndian.PutUint32(payload[4:8], end)
	return encodeRequest(CmdFlashErase, payload)
}

// FlashProgram builds a program request for data at addr. The embedded
// length field ends up as len(data)+4 since the payload carries the
// address word ahead of the data.
func FlashProgram(addr uint32, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > MaxChunkSize {
		return nil, fmt.Errorf("flash program chunk must be 1..%d bytes, got %d", MaxChunkSize, len(data))
	}
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	copy(payload[4:], data)
	return encodeRequest(CmdFlashProgram, payload), nil
}

// FlashRead builds a read request for size bytes at addr.
func FlashRead(addr, size uint32) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], size)
	return encodeRequest(CmdFlashRead, payload)
}

// Sha256Read builds a request for the SHA-256 of length bytes at addr.
func Sha256Read(addr, length uint32) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], length)
	return encodeRequest(CmdSha256Read, payload)
}

// BootInfo is the chip identification returned by GetBootInfo.
type BootInfo struct {
	BootromVersion uint32
	OTPInfo        [16]byte
}

var bootInfoMagic = []byte{0x14, 0x00}

// DecodeBootInfo parses a full GetBootInfo response, status header
// included.
func DecodeBootInfo(resp []byte) (*BootInfo, error) {
	if len(resp) != BootInfoRespLen {
		return nil, &ErrDecode{Reason: fmt.Sprintf("boot info response is %d bytes, want %d", len(resp), BootInfoRespLen)}
	}
	if !bytes.Equal(resp[0:2], bootInfoMagic) {
		return nil, &ErrDecode{Reason: fmt.Sprintf("boot info header %02x %02x, want %02x %02x",
			resp[0], resp[1], bootInfoMagic[0], bootInfoMagic[1])}
	}
	info := &BootInfo{
		BootromVersion: binary.LittleEndian.Uint32(resp[2:6]),
	}
	copy(info.OTPInfo[:], resp[6:22])
	return info, nil
}

// DecodeSegmentHeaderEcho extracts the echoed segment header from a full
// LoadSegmentHeader response.
func DecodeSegmentHeaderEcho(resp []byte) ([]byte, error) {
	if len(resp) != SegmentHeaderRespLen {
		return nil, &ErrDecode{Reason: fmt.Sprintf("segment header echo is %d bytes, want %d", len(resp), SegmentHeaderRespLen)}
	}
	return resp[2:], nil
}

// DecodeSha256 extracts the digest from a full Sha256Read response.
func DecodeSha256(resp []byte) ([32]byte, error) {
	var digest [32]byte
	if len(resp) != Sha256RespLen {
		return digest, &ErrDecode{Reason: fmt.Sprintf("sha256 response is %d bytes, want %d", len(resp), Sha256RespLen)}
	}
	copy(digest[:], resp[2:])
	return digest, nil
}
