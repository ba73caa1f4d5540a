package led

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/nrzled"
	"periph.io/x/host/v3"
)

// DefaultSPIFreq suits WS2812 key LEDs.
const DefaultSPIFreq = 2500 * physic.KiloHertz

// SPIDevice drives a WS281x strip through an SPI port using NRZ encoding.
// Frames are RGB; the driver reorders channels for the strip itself.
type SPIDevice struct {
	port   spi.Port
	closer interface{ Close() error }
	opts   nrzled.Opts
	dev    *nrzled.Dev
}

// NewSPIDevice wraps an already open port.
func NewSPIDevice(p spi.Port, pixels int, freq physic.Frequency) *SPIDevice {
	if freq <= 0 {
		freq = DefaultSPIFreq
	}
	d := &SPIDevice{
		port: p,
		opts: nrzled.Opts{NumPixels: pixels, Channels: 3, Freq: freq},
	}
	if c, ok := p.(spi.PortCloser); ok {
		d.closer = c
	}
	return d
}

// OpenSPI initialises the host drivers and opens the named port. An empty
// name selects the first port found.
func OpenSPI(name string, pixels int, hz int64) (*SPIDevice, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("led: host init: %w", err)
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("led: open spi port %q: %w", name, err)
	}
	return NewSPIDevice(p, pixels, physic.Frequency(hz)*physic.Hertz), nil
}

func (d *SPIDevice) Open() error {
	if d.dev != nil {
		return nil
	}
	dev, err := nrzled.NewSPI(d.port, &d.opts)
	if err != nil {
		return fmt.Errorf("led: nrzled: %w", err)
	}
	d.dev = dev
	return nil
}

func (d *SPIDevice) Write(frame []byte) error {
	if d.dev == nil {
		return ErrClosed
	}
	_, err := d.dev.Write(frame)
	return err
}

// Close blanks the strip and releases the port.
func (d *SPIDevice) Close() error {
	var errs []error
	if d.dev != nil {
		errs = append(errs, d.dev.Halt())
		d.dev = nil
	}
	if d.closer != nil {
		errs = append(errs, d.closer.Close())
		d.closer = nil
	}
	return errors.Join(errs...)
}

func (d *SPIDevice) String() string {
	if d.dev == nil {
		return "spi{closed}"
	}
	return d.dev.String()
}
