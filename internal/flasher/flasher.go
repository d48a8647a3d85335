package flasher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/bouffalo-flasher/internal/chip"
	"github.com/bigbag/bouffalo-flasher/internal/link"
	"github.com/bigbag/bouffalo-flasher/internal/protocol"
)

// Session timing. The handshake window and the post-RunImage settle
// delay are empirical; the ROM gives no ready signal.
const (
	handshakeTimeout = 200 * time.Millisecond
	handshakeSettle  = 200 * time.Millisecond
	handshakePolls   = 5
	connectAttempts  = 10
	sessionTimeout   = 10 * time.Second
	loaderBootDelay  = 500 * time.Millisecond
	trainDuration    = 5 * time.Millisecond
)

// ErrConnectionFailed reports that every handshake attempt during
// connection bring-up was exhausted.
var ErrConnectionFailed = errors.New("connection failed: chip did not answer handshake")

// ErrInvalidState reports a flash operation issued outside the
// eflash-loader state.
var ErrInvalidState = errors.New("flash operation requires the eflash loader to be running")

// State tracks how far the session has been brought up. Transitions are
// one-way; any failed transition leaves the session unusable.
type State int

const (
	StateDisconnected State = iota
	StateRomBootloader
	StateEflashLoader
)

func (s State) String() string {
	switch s {
	case StateRomBootloader:
		return "rom-bootloader"
	case StateEflashLoader:
		return "eflash-loader"
	default:
		return "disconnected"
	}
}

// ProgressSink receives byte-level progress for long transfers. Counts
// per transfer are monotonically increasing.
type ProgressSink interface {
	Start(total int64)
	Add(n int64)
	Finish()
}

type nopSink struct{}

func (nopSink) Start(int64) {}
func (nopSink) Add(int64)   {}
func (nopSink) Finish()     {}

// Session drives one chip through the two-stage flashing protocol. It
// exclusively owns the link; a Session is not safe for concurrent use.
type Session struct {
	link      *link.Link
	chip      chip.Chip
	flashBaud int
	state     State
	bootInfo  *protocol.BootInfo
	progress  ProgressSink
	loader    []byte // optional override for the chip's embedded image
}

// Connect brings the chip from reset into its ROM bootloader and reads
// the boot info. initialBaud is used for the bring-up; flashBaud is
// switched to once the eflash loader is running.
func Connect(c chip.Chip, dev link.Device, initialBaud, flashBaud int) (*Session, error) {
	s := &Session{
		link:      link.New(dev, initialBaud),
		chip:      c,
		flashBaud: flashBaud,
		progress:  nopSink{},
	}

	if err := s.link.SetBaud(initialBaud); err != nil {
		return nil, err
	}
	if err := s.link.SetTimeout(handshakeTimeout); err != nil {
		return nil, err
	}

	if err := s.startConnection(); err != nil {
		return nil, err
	}

	if err := s.link.SetTimeout(sessionTimeout); err != nil {
		return nil, err
	}

	info, err := s.getBootInfo()
	if err != nil {
		return nil, fmt.Errorf("get boot info: %w", err)
	}
	s.bootInfo = info
	logrus.Debugf("bootrom version %08x", info.BootromVersion)

	return s, nil
}

// SetProgressSink replaces the progress sink used for transfers.
func (s *Session) SetProgressSink(sink ProgressSink) {
	if sink == nil {
		sink = nopSink{}
	}
	s.progress = sink
}

// SetLoader overrides the chip's embedded eflash-loader image.
func (s *Session) SetLoader(blob []byte) {
	s.loader = blob
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// BootInfo returns the boot info read during Connect.
func (s *Session) BootInfo() *protocol.BootInfo {
	return s.bootInfo
}

// Reset restarts the chip into the application firmware.
func (s *Session) Reset() error {
	return s.link.Reset()
}

// startConnection resets the chip into its ROM bootloader and retries
// the auto-baud handshake until it answers.
func (s *Session) startConnection() error {
	logrus.Info("Start connection...")
	if err := s.link.ResetToFlash(); err != nil {
		return err
	}
	for i := 1; i <= connectAttempts; i++ {
		if err := s.link.Flush(); err != nil {
			return err
		}
		if err := s.handshake(); err == nil {
			logrus.Info("Connection succeed")
			s.state = StateRomBootloader
			return nil
		}
		logrus.Debugf("Retry %d", i)
	}
	return ErrConnectionFailed
}

// handshake sends the auto-baud training pattern and polls for an ACK.
// The training burst is sized to occupy 5 ms on the wire so the chip's
// UART can measure the bit timing.
func (s *Session) handshake() error {
	return s.link.WithTimeout(handshakeTimeout, func() error {
		n := s.link.CalcDurationLength(trainDuration)
		logrus.Tracef("5ms send count %d", n)
		start := time.Now()
		if err := s.link.WriteAll(bytes.Repeat([]byte{0x55}, n)); err != nil {
			return err
		}
		if err := s.link.Flush(); err != nil {
			return err
		}
		logrus.Tracef("handshake sent elapsed %v", time.Since(start))
		time.Sleep(handshakeSettle)

		for i := 0; i < handshakePolls; i++ {
			if _, err := s.link.ReadResponse(0); err == nil {
				return nil
			}
		}
		return link.ErrTimeout
	})
}

func (s *Session) getBootInfo() (*protocol.BootInfo, error) {
	if err := s.command(protocol.GetBootInfo()); err != nil {
		return nil, err
	}
	resp, err := s.link.ReadResponse(protocol.BootInfoRespLen)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeBootInfo(resp)
}

// command writes one request frame and flushes it.
func (s *Session) command(frame []byte) error {
	if err := s.link.WriteAll(frame); err != nil {
		return err
	}
	return s.link.Flush()
}

// commandAck writes one request frame and expects a bare ACK.
func (s *Session) commandAck(frame []byte) error {
	if err := s.command(frame); err != nil {
		return err
	}
	_, err := s.link.ReadResponse(0)
	return err
}

// ensureEflashLoader loads the eflash loader if the session is still
// talking to the ROM bootloader.
func (s *Session) ensureEflashLoader() error {
	switch s.state {
	case StateEflashLoader:
		return nil
	case StateRomBootloader:
		return s.LoadEflashLoader()
	default:
		return ErrInvalidState
	}
}

// LoadEflashLoader uploads the eflash loader into chip RAM, starts it,
// and re-handshakes at the flash baud rate. Valid exactly once per
// session, from the ROM-bootloader state.
func (s *Session) LoadEflashLoader() error {
	if s.state != StateRomBootloader {
		return ErrInvalidState
	}

	blob := s.loader
	if blob == nil {
		var err error
		blob, err = s.chip.EflashLoader()
		if err != nil {
			return fmt.Errorf("get eflash loader for %s: %w", s.chip.Name(), err)
		}
	}
	reader := bytes.NewReader(blob)

	if err := s.loadBootHeader(reader); err != nil {
		return fmt.Errorf("load boot header: %w", err)
	}
	if err := s.loadSegmentHeader(reader); err != nil {
		return fmt.Errorf("load segment header: %w", err)
	}

	start := time.Now()
	logrus.Info("Sending eflash_loader...")
	s.progress.Start(int64(reader.Len()))
	for {
		n, err := s.loadSegmentData(reader)
		if err != nil {
			return fmt.Errorf("load segment data: %w", err)
		}
		s.progress.Add(int64(n))
		if n == 0 {
			break
		}
	}
	s.progress.Finish()
	elapsed := time.Since(start)
	logrus.Infof("Finished %v %s/s", elapsed.Round(time.Millisecond), transferRate(len(blob), elapsed))

	if err := s.commandAck(protocol.CheckImage()); err != nil {
		return fmt.Errorf("check image: %w", err)
	}
	if err := s.commandAck(protocol.RunImage()); err != nil {
		return fmt.Errorf("run image: %w", err)
	}
	time.Sleep(loaderBootDelay)

	if err := s.link.SetBaud(s.flashBaud); err != nil {
		return err
	}
	if err := s.handshake(); err != nil {
		return fmt.Errorf("handshake with eflash loader: %w", err)
	}
	s.state = StateEflashLoader
	logrus.Info("Entered eflash_loader")

	return nil
}

func (s *Session) loadBootHeader(r io.Reader) error {
	header := make([]byte, protocol.BootHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	frame, err := protocol.LoadBootHeader(header)
	if err != nil {
		return err
	}
	return s.commandAck(frame)
}

func (s *Session) loadSegmentHeader(r io.Reader) error {
	header := make([]byte, protocol.SegmentHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	frame, err := protocol.LoadSegmentHeader(header)
	if err != nil {
		return err
	}
	if err := s.command(frame); err != nil {
		return err
	}
	resp, err := s.link.ReadResponse(protocol.SegmentHeaderRespLen)
	if err != nil {
		return err
	}
	echo, err := protocol.DecodeSegmentHeaderEcho(resp)
	if err != nil {
		return err
	}
	if !bytes.Equal(echo, header) {
		logrus.Warnf("Segment header not match req:%x != resp:%x", header, echo)
	}
	return nil
}

func (s *Session) loadSegmentData(r io.Reader) (int, error) {
	buf := make([]byte, protocol.MaxChunkSize)
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return 0, nil
		}
		return 0, err
	}
	frame, err := protocol.LoadSegmentData(buf[:n])
	if err != nil {
		return 0, err
	}
	if err := s.commandAck(frame); err != nil {
		return 0, err
	}
	return n, nil
}

// FlashErase erases the [start, end) flash range.
func (s *Session) FlashErase(start, end uint32) error {
	if s.state != StateEflashLoader {
		return ErrInvalidState
	}
	return s.commandAck(protocol.FlashErase(start, end))
}

// FlashProgram reads up to one chunk from r and programs it at addr,
// returning the number of bytes written. A return of 0 means the reader
// is exhausted.
func (s *Session) FlashProgram(addr uint32, r io.Reader) (uint32, error) {
	if s.state != StateEflashLoader {
		return 0, ErrInvalidState
	}
	buf := make([]byte, protocol.MaxChunkSize)
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return 0, nil
		}
		return 0, err
	}
	frame, err := protocol.FlashProgram(addr, buf[:n])
	if err != nil {
		return 0, err
	}
	if err := s.commandAck(frame); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// FlashRead reads size bytes of flash at addr.
func (s *Session) FlashRead(addr, size uint32) ([]byte, error) {
	if s.state != StateEflashLoader {
		return nil, ErrInvalidState
	}
	if err := s.command(protocol.FlashRead(addr, size)); err != nil {
		return nil, err
	}
	return s.link.ReadResponseWithPayload()
}

// Sha256Read asks the eflash loader for the SHA-256 of length bytes of
// flash at addr.
func (s *Session) Sha256Read(addr, length uint32) ([32]byte, error) {
	if s.state != StateEflashLoader {
		return [32]byte{}, ErrInvalidState
	}
	if err := s.command(protocol.Sha256Read(addr, length)); err != nil {
		return [32]byte{}, err
	}
	resp, err := s.link.ReadResponse(protocol.Sha256RespLen)
	if err != nil {
		return [32]byte{}, err
	}
	return protocol.DecodeSha256(resp)
}

// Probe checks whether something that speaks the bootloader protocol is
// attached to dev: reset into the ROM and try a few handshake rounds.
func Probe(dev link.Device, baud int) error {
	s := &Session{
		link:     link.New(dev, baud),
		progress: nopSink{},
	}
	if err := s.link.SetBaud(baud); err != nil {
		return err
	}
	if err := s.link.SetTimeout(handshakeTimeout); err != nil {
		return err
	}
	if err := s.link.ResetToFlash(); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := s.handshake(); err == nil {
			return nil
		}
	}
	return ErrConnectionFailed
}

func transferRate(n int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(uint64(float64(n) / elapsed.Seconds()))
}
