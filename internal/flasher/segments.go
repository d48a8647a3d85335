package flasher

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/bouffalo-flasher/internal/image"
	"github.com/bigbag/bouffalo-flasher/internal/protocol"
)

// LoadSegments erases, programs, and verifies each segment in order.
// Segments whose flash contents already match their SHA-256 are skipped
// unless force is set. A verify mismatch after programming is reported
// as a warning, not an error.
func (s *Session) LoadSegments(force bool, segments []image.Segment) error {
	if err := s.ensureEflashLoader(); err != nil {
		return err
	}

	for _, segment := range segments {
		if segment.Size() == 0 {
			logrus.Debugf("Skip empty segment addr: %x", segment.Addr)
			continue
		}
		local := sha256.Sum256(segment.Data)

		if !force {
			remote, err := s.Sha256Read(segment.Addr, segment.Size())
			if err != nil {
				return err
			}
			if remote == local {
				logrus.Infof("Skip segment addr: %x size: %d sha256 matches", segment.Addr, segment.Size())
				continue
			}
		}

		logrus.Infof("Erase flash addr: %x size: %d", segment.Addr, segment.Size())
		if err := s.FlashErase(segment.Addr, segment.Addr+segment.Size()); err != nil {
			return fmt.Errorf("flash erase: %w", err)
		}

		reader := bytes.NewReader(segment.Data)
		cur := segment.Addr

		start := time.Now()
		logrus.Infof("Program flash... %x", local)
		s.progress.Start(int64(segment.Size()))
		for {
			n, err := s.FlashProgram(cur, reader)
			if err != nil {
				return fmt.Errorf("flash program at %x: %w", cur, err)
			}
			cur += n
			s.progress.Add(int64(n))
			if n == 0 {
				break
			}
		}
		s.progress.Finish()
		elapsed := time.Since(start)
		logrus.Infof("Program done %v %s/s", elapsed.Round(time.Millisecond), transferRate(len(segment.Data), elapsed))

		remote, err := s.Sha256Read(segment.Addr, segment.Size())
		if err != nil {
			return err
		}
		if remote != local {
			logrus.Warnf("sha256 not match: %x != %x", remote, local)
		}
	}
	return nil
}

// CheckSegments compares each segment against the flash contents by
// SHA-256 without touching the flash.
func (s *Session) CheckSegments(segments []image.Segment) error {
	if err := s.ensureEflashLoader(); err != nil {
		return err
	}

	for _, segment := range segments {
		local := sha256.Sum256(segment.Data)
		remote, err := s.Sha256Read(segment.Addr, segment.Size())
		if err != nil {
			return err
		}
		if remote != local {
			logrus.Warnf("%x sha256 not match: %x != %x", segment.Addr, remote, local)
		} else {
			logrus.Infof("%x sha256 match", segment.Addr)
		}
	}
	return nil
}

// DumpFlash reads the [start, end) flash range into w.
func (s *Session) DumpFlash(start, end uint32, w io.Writer) error {
	if err := s.ensureEflashLoader(); err != nil {
		return err
	}

	cur := start
	s.progress.Start(int64(end - start))
	for cur < end {
		size := end - cur
		if size > protocol.ReadBlockSize {
			size = protocol.ReadBlockSize
		}
		data, err := s.FlashRead(cur, size)
		if err != nil {
			return fmt.Errorf("flash read at %x: %w", cur, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
		cur += uint32(len(data))
		s.progress.Add(int64(len(data)))
	}
	s.progress.Finish()
	return nil
}
