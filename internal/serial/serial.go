package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps a serial port with the line control the flasher needs.
// The wiring on Bouffalo dev boards routes DTR to the chip enable pin
// and RTS to the boot-select pin, both through inverting drivers.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port in 8-N-1 framing at the given baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port. Returns (0, nil) when the read
// timeout expires with nothing received.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Drain blocks until all written bytes have been transmitted.
func (p *Port) Drain() error {
	return p.port.Drain()
}

// ResetInputBuffer discards any buffered input.
func (p *Port) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// SetBaud changes the port speed, keeping 8-N-1 framing.
func (p *Port) SetBaud(rate int) error {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return err
	}
	p.baudRate = rate
	return nil
}

// SetReadTimeout sets the timeout applied to Read.
func (p *Port) SetReadTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(d)
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// ResetToBootloader restarts the chip into its ROM bootloader using the
// DTR/RTS auto-reset circuit: hold boot-select, pulse reset, release.
// After return the chip is listening for the auto-baud training bytes.
func (p *Port) ResetToBootloader() error {
	// Step 1: assert boot-select
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	// Step 2: pulse reset while boot-select is held
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.SetDTR(false); err != nil {
		return err
	}

	// Step 3: give the ROM time to sample the boot pin, then release it
	time.Sleep(100 * time.Millisecond)
	if err := p.SetRTS(false); err != nil {
		return err
	}

	// Drop any garbage the reset produced
	p.ResetInputBuffer()
	time.Sleep(100 * time.Millisecond)

	return nil
}

// HardReset restarts the chip into the application firmware, with
// boot-select released.
func (p *Port) HardReset() error {
	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.SetDTR(false)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
