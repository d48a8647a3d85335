package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Device is the OS-facing serial port the link drives. The concrete
// implementation lives in internal/serial; tests substitute a scripted
// mock. Read returns (0, nil) when the configured read timeout expires
// with no data.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	SetBaud(rate int) error
	SetReadTimeout(d time.Duration) error
	ResetToBootloader() error
	HardReset() error
}

// ErrTimeout reports that no reply arrived within the current timeout.
var ErrTimeout = errors.New("timeout waiting for response")

// NackError reports a NAK status from the chip, with the 2-byte error
// code that followed it.
type NackError struct {
	Code [2]byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("chip returned NAK (code %02x%02x)", e.Code[0], e.Code[1])
}

// ShortReadError reports a truncated response.
type ShortReadError struct {
	Expected int
	Got      int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read: expected %d bytes, got %d", e.Expected, e.Got)
}

// NAK status header. Anything else in the first two bytes is treated as
// an ACK; the exact ACK bytes vary between the ROM and the eflash
// loader, so only the failure case is matched.
var nakStatus = [2]byte{'F', 'L'}

// Link owns the serial device and provides timed request/response
// primitives on top of it. It performs no retries; every failure is
// surfaced to the caller.
type Link struct {
	dev     Device
	baud    int
	timeout time.Duration
}

// New wraps dev. The device keeps whatever baud and timeout it was
// opened with until SetBaud/SetTimeout are called.
func New(dev Device, baud int) *Link {
	return &Link{dev: dev, baud: baud}
}

// WriteAll writes the whole buffer, failing on any underlying error.
func (l *Link) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := l.dev.Write(p)
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Flush blocks until all written bytes have left the port.
func (l *Link) Flush() error {
	return l.dev.Drain()
}

// Purge discards any pending input.
func (l *Link) Purge() error {
	return l.dev.ResetInputBuffer()
}

// SetBaud reprograms the port speed.
func (l *Link) SetBaud(rate int) error {
	if err := l.dev.SetBaud(rate); err != nil {
		return fmt.Errorf("set baud %d: %w", rate, err)
	}
	l.baud = rate
	return nil
}

// Baud returns the current port speed.
func (l *Link) Baud() int {
	return l.baud
}

// SetTimeout sets the read timeout for subsequent responses.
func (l *Link) SetTimeout(d time.Duration) error {
	if err := l.dev.SetReadTimeout(d); err != nil {
		return fmt.Errorf("set timeout %v: %w", d, err)
	}
	l.timeout = d
	return nil
}

// Timeout returns the current read timeout.
func (l *Link) Timeout() time.Duration {
	return l.timeout
}

// WithTimeout runs body under a temporary read timeout. The previous
// timeout is restored on every exit path, including error returns and
// panics.
func (l *Link) WithTimeout(d time.Duration, body func() error) error {
	prev := l.timeout
	if err := l.SetTimeout(d); err != nil {
		return err
	}
	defer func() {
		if err := l.SetTimeout(prev); err != nil {
			logrus.Warnf("failed to restore timeout %v: %v", prev, err)
		}
	}()
	return body()
}

// CalcDurationLength returns how many bytes occupy d on the wire at the
// current baud, assuming 8-N-1 framing (10 bits per byte).
func (l *Link) CalcDurationLength(d time.Duration) int {
	return int(int64(l.baud) * int64(d) / int64(10*time.Second))
}

// readExact reads exactly n bytes. A read that makes no progress within
// the timeout fails with ErrTimeout when nothing arrived at all, or a
// ShortReadError when the response was truncated.
func (l *Link) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		r, err := l.dev.Read(buf[got:])
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		if r == 0 {
			if got == 0 {
				return nil, ErrTimeout
			}
			return nil, &ShortReadError{Expected: n, Got: got}
		}
		got += r
	}
	return buf, nil
}

// readStatus reads the 2-byte status header and fails with NackError on
// a NAK, consuming the trailing error code.
func (l *Link) readStatus() ([]byte, error) {
	status, err := l.readExact(2)
	if err != nil {
		return nil, err
	}
	if status[0] == nakStatus[0] && status[1] == nakStatus[1] {
		nack := &NackError{}
		code, err := l.readExact(2)
		if err == nil {
			copy(nack.Code[:], code)
		}
		return nil, nack
	}
	return status, nil
}

// ReadResponse reads one response of expectedTotal bytes, status header
// included, and returns the whole buffer. expectedTotal of 0 (or 2)
// reads just the status.
func (l *Link) ReadResponse(expectedTotal int) ([]byte, error) {
	status, err := l.readStatus()
	if err != nil {
		return nil, err
	}
	if expectedTotal <= 2 {
		return status, nil
	}
	rest, err := l.readExact(expectedTotal - 2)
	if err != nil {
		return nil, err
	}
	return append(status, rest...), nil
}

// ReadResponseWithPayload reads a length-prefixed response and returns
// only the payload.
func (l *Link) ReadResponseWithPayload() ([]byte, error) {
	if _, err := l.readStatus(); err != nil {
		return nil, err
	}
	lenBytes, err := l.readExact(2)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(lenBytes))
	if n == 0 {
		return nil, nil
	}
	return l.readExact(n)
}

// ResetToFlash drives the hardware lines so the chip restarts into its
// ROM bootloader, ready for auto-baud training.
func (l *Link) ResetToFlash() error {
	if err := l.dev.ResetToBootloader(); err != nil {
		return fmt.Errorf("reset to bootloader: %w", err)
	}
	return l.Purge()
}

// Reset restarts the chip into the application firmware.
func (l *Link) Reset() error {
	return l.dev.HardReset()
}
