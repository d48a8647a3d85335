package detect

import (
	"fmt"

	"github.com/bigbag/bouffalo-flasher/internal/flasher"
	"github.com/bigbag/bouffalo-flasher/internal/serial"
)

// Result represents a detected device.
type Result struct {
	Port string
}

// DetectDevice tries every available port and returns the first one
// where something answers the bootloader handshake.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		if err := tryPort(portName, baudRate); err != nil {
			lastErr = err
			continue
		}
		return &Result{Port: portName}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no bootloader found")
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	if err := tryPort(portName, baudRate); err != nil {
		return nil, err
	}
	return &Result{Port: portName}, nil
}

func tryPort(portName string, baudRate int) error {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	if err := flasher.Probe(port, baudRate); err != nil {
		return fmt.Errorf("no answer on %s: %w", portName, err)
	}
	return nil
}
