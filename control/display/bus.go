package display

import (
	"fmt"

	"github.com/fulr/spidev"
)

// Bus is a synchronous serial bus.  periph.io's spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// Spidev is a Bus on a raw /dev/spidevX.Y node, for boards where periph.io can not enumerate the
// SPI controllers.
type Spidev struct {
	dev *spidev.SPIDevice
}

// OpenSpidev opens a spidev node.
func OpenSpidev(path string) (*Spidev, error) {
	dev, err := spidev.NewSPIDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open spidev %q: %w", path, err)
	}
	return &Spidev{dev: dev}, nil
}

// Tx implements Bus.
func (s *Spidev) Tx(w, r []byte) error {
	got, err := s.dev.Xfer(w)
	if err != nil {
		return fmt.Errorf("spidev transfer: %w", err)
	}
	if r != nil {
		copy(r, got)
	}
	return nil
}

// Close closes the device node.
func (s *Spidev) Close() {
	s.dev.Close()
}
