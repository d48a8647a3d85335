package flasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/bigbag/bouffalo-flasher/internal/image"
	"github.com/bigbag/bouffalo-flasher/internal/link"
	"github.com/bigbag/bouffalo-flasher/internal/protocol"
)

// mockDevice plays back a queue of scripted read chunks and records
// every write as one frame. An empty chunk (or an exhausted queue)
// reads as a timeout, like a silent serial port.
type mockDevice struct {
	reads   [][]byte
	frames  [][]byte
	baud    int
	timeout time.Duration
	resets  int
}

func (d *mockDevice) Read(p []byte) (int, error) {
	if len(d.reads) == 0 {
		return 0, nil
	}
	head := d.reads[0]
	if len(head) == 0 {
		d.reads = d.reads[1:]
		return 0, nil
	}
	n := copy(p, head)
	if n == len(head) {
		d.reads = d.reads[1:]
	} else {
		d.reads[0] = head[n:]
	}
	return n, nil
}

func (d *mockDevice) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)
	d.frames = append(d.frames, frame)
	return len(p), nil
}

func (d *mockDevice) Drain() error { return nil }
func (d *mockDevice) ResetInputBuffer() error { return nil }

func (d *mockDevice) SetBaud(rate int) error { d.baud = rate; return nil }

func (d *mockDevice) SetReadTimeout(t time.Duration) error { d.timeout = t; return nil }

func (d *mockDevice) ResetToBootloader() error { d.resets++; return nil }
func (d *mockDevice) HardReset() error { return nil }

// script appends response chunks to the device's read queue.
func (d *mockDevice) script(chunks ...[]byte) {
	d.reads = append(d.reads, chunks...)
}

// silentPolls queues n timed-out handshake polls.
func (d *mockDevice) silentPolls(n int) {
	for i := 0; i < n; i++ {
		d.reads = append(d.reads, []byte{})
	}
}

// testChip supplies an in-memory eflash-loader image.
type testChip struct {
	blob []byte
}

func (c testChip) Name() string                  { return "TEST" }
func (c testChip) EflashLoader() ([]byte, error) { return c.blob, nil }

// countingSink records progress events for assertions.
type countingSink struct {
	total int64
	added []int64
}

func (s *countingSink) Start(total int64) { s.total = total }
func (s *countingSink) Add(n int64)       { s.added = append(s.added, n) }
func (s *countingSink) Finish()           {}

func ack() []byte {
	return []byte{'O', 'K'}
}

func bootInfoResp() []byte {
	resp := []byte{0x14, 0x00, 0x04, 0x03, 0x02, 0x01}
	return append(resp, make([]byte, 16)...)
}

func shaResp(digest [32]byte) []byte {
	return append(ack(), digest[:]...)
}

// testLoader is a minimal 192-byte image: boot header + segment header,
// no body.
func testLoader() []byte {
	blob := make([]byte, protocol.BootHeaderLen+protocol.SegmentHeaderLen)
	copy(blob, "BFNP")
	for i := protocol.BootHeaderLen; i < len(blob); i++ {
		blob[i] = byte(i)
	}
	return blob
}

// scriptBootstrap queues the responses LoadEflashLoader needs for the
// 192-byte test loader: boot header ACK, segment header echo, check,
// run, and the second handshake.
func scriptBootstrap(dev *mockDevice, blob []byte) {
	echo := append(ack(), blob[protocol.BootHeaderLen:protocol.BootHeaderLen+protocol.SegmentHeaderLen]...)
	dev.script(ack(), echo, ack(), ack(), ack())
}

func isTrain(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	for _, b := range frame {
		if b != 0x55 {
			return false
		}
	}
	return true
}

// commandFrames filters out handshake trains, leaving protocol frames.
func commandFrames(frames [][]byte) [][]byte {
	var out [][]byte
	for _, f := range frames {
		if !isTrain(f) {
			out = append(out, f)
		}
	}
	return out
}

func opcodeFrames(frames [][]byte, opcode byte) [][]byte {
	var out [][]byte
	for _, f := range commandFrames(frames) {
		if len(f) >= 4 && f[0] == opcode && f[1] == 0x00 {
			out = append(out, f)
		}
	}
	return out
}

func connectSession(t *testing.T, dev *mockDevice, blob []byte) *Session {
	t.Helper()
	session, err := Connect(testChip{blob: blob}, dev, 115200, 2000000)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return session
}

func TestConnect_ColdConnect(t *testing.T) {
	dev := &mockDevice{}
	// Two silent handshake rounds, then an ACK on the third.
	dev.silentPolls(5)
	dev.silentPolls(5)
	dev.script(ack(), bootInfoResp())

	session := connectSession(t, dev, testLoader())

	if session.State() != StateRomBootloader {
		t.Errorf("state = %v, want rom-bootloader", session.State())
	}
	if dev.resets != 1 {
		t.Errorf("reset count = %d, want 1", dev.resets)
	}

	info := session.BootInfo()
	if info.BootromVersion != 0x01020304 {
		t.Errorf("BootromVersion = 0x%08X, want 0x01020304", info.BootromVersion)
	}
	if info.OTPInfo != [16]byte{} {
		t.Errorf("OTPInfo = %x, want all zeros", info.OTPInfo)
	}

	// Three handshake rounds, each a 57-byte train at 115200 baud.
	trains := 0
	for _, f := range dev.frames {
		if isTrain(f) {
			trains++
			if len(f) != 57 {
				t.Errorf("train length = %d, want 57", len(f))
			}
		}
	}
	if trains != 3 {
		t.Errorf("handshake trains = %d, want 3", trains)
	}
}

func TestConnect_Failure(t *testing.T) {
	dev := &mockDevice{}
	// Never answer.

	_, err := Connect(testChip{blob: testLoader()}, dev, 115200, 2000000)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() = %v, want ErrConnectionFailed", err)
	}

	trains := 0
	for _, f := range dev.frames {
		if isTrain(f) {
			trains++
		}
	}
	if trains != 10 {
		t.Errorf("handshake trains = %d, want 10", trains)
	}

	// The scoped handshake timeout must have been restored.
	if dev.timeout != 200*time.Millisecond {
		t.Errorf("timeout after failed connect = %v, want 200ms", dev.timeout)
	}
}

func TestLoadEflashLoader(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)

	session := connectSession(t, dev, blob)

	if err := session.LoadEflashLoader(); err != nil {
		t.Fatalf("LoadEflashLoader() error: %v", err)
	}
	if session.State() != StateEflashLoader {
		t.Errorf("state = %v, want eflash-loader", session.State())
	}
	if dev.baud != 2000000 {
		t.Errorf("baud after bootstrap = %d, want 2000000", dev.baud)
	}

	bootFrames := opcodeFrames(dev.frames, protocol.CmdLoadBootHeader)
	if len(bootFrames) != 1 {
		t.Fatalf("LoadBootHeader frames = %d, want 1", len(bootFrames))
	}
	wantHeader := []byte{0x11, 0x00, 0xB0, 0x00}
	if !bytes.Equal(bootFrames[0][:4], wantHeader) {
		t.Errorf("boot header frame opens % x, want % x", bootFrames[0][:4], wantHeader)
	}
	if !bytes.Equal(bootFrames[0][4:], blob[:protocol.BootHeaderLen]) {
		t.Errorf("boot header payload does not match blob")
	}

	segFrames := opcodeFrames(dev.frames, protocol.CmdLoadSegmentHeader)
	if len(segFrames) != 1 {
		t.Fatalf("LoadSegmentHeader frames = %d, want 1", len(segFrames))
	}
	if !bytes.Equal(segFrames[0][:4], []byte{0x17, 0x00, 0x10, 0x00}) {
		t.Errorf("segment header frame opens % x, want 17 00 10 00", segFrames[0][:4])
	}

	if n := len(opcodeFrames(dev.frames, protocol.CmdLoadSegmentData)); n != 0 {
		t.Errorf("LoadSegmentData frames = %d, want 0 for an empty body", n)
	}
	if n := len(opcodeFrames(dev.frames, protocol.CmdCheckImage)); n != 1 {
		t.Errorf("CheckImage frames = %d, want 1", n)
	}
	if n := len(opcodeFrames(dev.frames, protocol.CmdRunImage)); n != 1 {
		t.Errorf("RunImage frames = %d, want 1", n)
	}

	// The second handshake runs at the flash baud: 1000 bytes for 5 ms.
	var trainLens []int
	for _, f := range dev.frames {
		if isTrain(f) {
			trainLens = append(trainLens, len(f))
		}
	}
	if len(trainLens) != 2 || trainLens[0] != 57 || trainLens[1] != 1000 {
		t.Errorf("train lengths = %v, want [57 1000]", trainLens)
	}
}

func TestLoadEflashLoader_Twice(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)

	session := connectSession(t, dev, blob)
	if err := session.LoadEflashLoader(); err != nil {
		t.Fatalf("LoadEflashLoader() error: %v", err)
	}
	if err := session.LoadEflashLoader(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second LoadEflashLoader() = %v, want ErrInvalidState", err)
	}
}

func TestFlashOps_RequireEflashLoader(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())

	session := connectSession(t, dev, testLoader())

	if err := session.FlashErase(0, 4096); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FlashErase in rom state = %v, want ErrInvalidState", err)
	}
	if _, err := session.FlashProgram(0, bytes.NewReader([]byte{1})); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FlashProgram in rom state = %v, want ErrInvalidState", err)
	}
	if _, err := session.FlashRead(0, 16); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FlashRead in rom state = %v, want ErrInvalidState", err)
	}
	if _, err := session.Sha256Read(0, 16); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Sha256Read in rom state = %v, want ErrInvalidState", err)
	}
}

func TestLoadSegments_SkipAndProgram(t *testing.T) {
	seg1 := image.Segment{Addr: 0x10000, Data: patternData(100, 1)}
	seg2 := image.Segment{Addr: 0x20000, Data: patternData(4001, 2)}

	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)
	// Segment 1: remote hash matches, skipped.
	dev.script(shaResp(sha256.Sum256(seg1.Data)))
	// Segment 2: remote hash differs, erase + 2 program chunks + verify.
	dev.script(shaResp([32]byte{}), ack(), ack(), ack(), shaResp(sha256.Sum256(seg2.Data)))

	session := connectSession(t, dev, blob)
	sink := &countingSink{}
	session.SetProgressSink(sink)

	if err := session.LoadSegments(false, []image.Segment{seg1, seg2}); err != nil {
		t.Fatalf("LoadSegments() error: %v", err)
	}

	eraseFrames := opcodeFrames(dev.frames, protocol.CmdFlashErase)
	if len(eraseFrames) != 1 {
		t.Fatalf("erase frames = %d, want 1 (segment 1 skipped)", len(eraseFrames))
	}
	start := binary.LittleEndian.Uint32(eraseFrames[0][4:8])
	end := binary.LittleEndian.Uint32(eraseFrames[0][8:12])
	if start != 0x20000 || end != 0x20000+4001 {
		t.Errorf("erase range = 0x%X..0x%X, want 0x20000..0x20FA1", start, end)
	}

	progFrames := opcodeFrames(dev.frames, protocol.CmdFlashProgram)
	if len(progFrames) != 2 {
		t.Fatalf("program frames = %d, want 2", len(progFrames))
	}
	if n := binary.LittleEndian.Uint16(progFrames[0][2:4]); n != 4004 {
		t.Errorf("first program length field = %d, want 4004", n)
	}
	if addr := binary.LittleEndian.Uint32(progFrames[0][4:8]); addr != 0x20000 {
		t.Errorf("first program addr = 0x%X, want 0x20000", addr)
	}
	if n := binary.LittleEndian.Uint16(progFrames[1][2:4]); n != 5 {
		t.Errorf("second program length field = %d, want 5", n)
	}
	if addr := binary.LittleEndian.Uint32(progFrames[1][4:8]); addr != 0x20000+4000 {
		t.Errorf("second program addr = 0x%X, want 0x20FA0", addr)
	}

	// Programmed bytes round-trip.
	var programmed []byte
	for _, f := range progFrames {
		programmed = append(programmed, f[8:]...)
	}
	if !bytes.Equal(programmed, seg2.Data) {
		t.Errorf("programmed bytes do not match segment data")
	}

	// Progress increments sum to the segment size.
	var sum int64
	for _, n := range sink.added {
		sum += n
	}
	if sum != 4001 {
		t.Errorf("progress sum = %d, want 4001", sum)
	}
}

func TestLoadSegments_SecondRunSkipsEverything(t *testing.T) {
	seg := image.Segment{Addr: 0x10000, Data: patternData(100, 3)}

	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)
	// First run: mismatch, program, verify.
	dev.script(shaResp([32]byte{}), ack(), ack(), shaResp(sha256.Sum256(seg.Data)))
	// Second run: remote now matches.
	dev.script(shaResp(sha256.Sum256(seg.Data)))

	session := connectSession(t, dev, blob)
	if err := session.LoadSegments(false, []image.Segment{seg}); err != nil {
		t.Fatalf("first LoadSegments() error: %v", err)
	}
	framesAfterFirst := len(opcodeFrames(dev.frames, protocol.CmdFlashErase)) +
		len(opcodeFrames(dev.frames, protocol.CmdFlashProgram))
	if framesAfterFirst != 2 {
		t.Fatalf("first run erase+program frames = %d, want 2", framesAfterFirst)
	}

	if err := session.LoadSegments(false, []image.Segment{seg}); err != nil {
		t.Fatalf("second LoadSegments() error: %v", err)
	}
	framesAfterSecond := len(opcodeFrames(dev.frames, protocol.CmdFlashErase)) +
		len(opcodeFrames(dev.frames, protocol.CmdFlashProgram))
	if framesAfterSecond != framesAfterFirst {
		t.Errorf("second run issued %d extra erase/program frames, want 0", framesAfterSecond-framesAfterFirst)
	}
}

func TestLoadSegments_Force(t *testing.T) {
	seg1 := image.Segment{Addr: 0x10000, Data: patternData(100, 1)}
	seg2 := image.Segment{Addr: 0x20000, Data: patternData(4001, 2)}

	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)
	// Force mode never reads the remote hash first: erase + program +
	// verify per segment.
	dev.script(ack(), ack(), shaResp(sha256.Sum256(seg1.Data)))
	dev.script(ack(), ack(), ack(), shaResp(sha256.Sum256(seg2.Data)))

	session := connectSession(t, dev, blob)
	if err := session.LoadSegments(true, []image.Segment{seg1, seg2}); err != nil {
		t.Fatalf("LoadSegments(force) error: %v", err)
	}

	if n := len(opcodeFrames(dev.frames, protocol.CmdFlashErase)); n != 2 {
		t.Errorf("erase frames = %d, want 2", n)
	}
	if n := len(opcodeFrames(dev.frames, protocol.CmdFlashProgram)); n != 3 {
		t.Errorf("program frames = %d, want 3", n)
	}
	// 4 sha reads would mean force still probed; verify-only is 2.
	if n := len(opcodeFrames(dev.frames, protocol.CmdSha256Read)); n != 2 {
		t.Errorf("sha256 frames = %d, want 2 (verify only)", n)
	}
}

func TestLoadSegments_ExactChunkMultiple(t *testing.T) {
	seg := image.Segment{Addr: 0x0, Data: patternData(8000, 4)}

	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)
	dev.script(ack(), ack(), ack(), shaResp(sha256.Sum256(seg.Data)))

	session := connectSession(t, dev, blob)
	if err := session.LoadSegments(true, []image.Segment{seg}); err != nil {
		t.Fatalf("LoadSegments() error: %v", err)
	}

	progFrames := opcodeFrames(dev.frames, protocol.CmdFlashProgram)
	if len(progFrames) != 2 {
		t.Fatalf("program frames = %d, want 2 for an exact 4000 multiple", len(progFrames))
	}
	for i, f := range progFrames {
		if n := binary.LittleEndian.Uint16(f[2:4]); n != 4004 {
			t.Errorf("program frame %d length field = %d, want 4004", i, n)
		}
	}
}

func TestLoadSegments_EmptySegment(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)

	session := connectSession(t, dev, blob)
	if err := session.LoadEflashLoader(); err != nil {
		t.Fatalf("LoadEflashLoader() error: %v", err)
	}
	before := len(dev.frames)

	seg := image.Segment{Addr: 0x10000}
	if err := session.LoadSegments(false, []image.Segment{seg}); err != nil {
		t.Fatalf("LoadSegments() error: %v", err)
	}
	if len(dev.frames) != before {
		t.Errorf("empty segment produced %d frames, want 0", len(dev.frames)-before)
	}
}

func TestDumpFlash(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)

	chunk1 := patternData(4096, 5)
	chunk2 := patternData(4096, 6)
	chunk3 := patternData(2048, 7)
	for _, chunk := range [][]byte{chunk1, chunk2, chunk3} {
		resp := append(ack(), 0, 0)
		binary.LittleEndian.PutUint16(resp[2:4], uint16(len(chunk)))
		dev.script(append(resp, chunk...))
	}

	session := connectSession(t, dev, blob)

	var sink bytes.Buffer
	if err := session.DumpFlash(0x0, 0x2800, &sink); err != nil {
		t.Fatalf("DumpFlash() error: %v", err)
	}

	readFrames := opcodeFrames(dev.frames, protocol.CmdFlashRead)
	if len(readFrames) != 3 {
		t.Fatalf("read frames = %d, want 3", len(readFrames))
	}
	wantSizes := []uint32{4096, 4096, 2048}
	wantAddrs := []uint32{0x0, 0x1000, 0x2000}
	for i, f := range readFrames {
		if addr := binary.LittleEndian.Uint32(f[4:8]); addr != wantAddrs[i] {
			t.Errorf("read %d addr = 0x%X, want 0x%X", i, addr, wantAddrs[i])
		}
		if size := binary.LittleEndian.Uint32(f[8:12]); size != wantSizes[i] {
			t.Errorf("read %d size = %d, want %d", i, size, wantSizes[i])
		}
	}

	want := append(append(append([]byte{}, chunk1...), chunk2...), chunk3...)
	if sink.Len() != 10240 {
		t.Errorf("dump size = %d, want 10240", sink.Len())
	}
	if !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("dump contents do not match scripted flash")
	}
}

func TestCheckSegments(t *testing.T) {
	seg1 := image.Segment{Addr: 0x10000, Data: patternData(64, 8)}
	seg2 := image.Segment{Addr: 0x20000, Data: patternData(64, 9)}

	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	scriptBootstrap(dev, blob)
	dev.script(shaResp(sha256.Sum256(seg1.Data)), shaResp([32]byte{}))

	session := connectSession(t, dev, blob)
	if err := session.CheckSegments([]image.Segment{seg1, seg2}); err != nil {
		t.Fatalf("CheckSegments() error: %v", err)
	}

	// Check never touches the flash.
	if n := len(opcodeFrames(dev.frames, protocol.CmdFlashErase)); n != 0 {
		t.Errorf("erase frames = %d, want 0", n)
	}
	if n := len(opcodeFrames(dev.frames, protocol.CmdFlashProgram)); n != 0 {
		t.Errorf("program frames = %d, want 0", n)
	}
	if n := len(opcodeFrames(dev.frames, protocol.CmdSha256Read)); n != 2 {
		t.Errorf("sha256 frames = %d, want 2", n)
	}
}

func TestSessionNack(t *testing.T) {
	dev := &mockDevice{}
	dev.script(ack(), bootInfoResp())
	blob := testLoader()
	// Boot header upload answered with a NAK.
	dev.script([]byte{'F', 'L', 0x07, 0x00})

	session := connectSession(t, dev, blob)

	err := session.LoadEflashLoader()
	var nack *link.NackError
	if !errors.As(err, &nack) {
		t.Fatalf("LoadEflashLoader() = %v, want NackError", err)
	}
	if nack.Code != [2]byte{0x07, 0x00} {
		t.Errorf("NAK code = %x, want 0700", nack.Code)
	}
}

func patternData(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)*seed + seed
	}
	return data
}
