// Package led turns composited grids into device frames and writes them to
// a key lighting device.
package led

// Device is a handle to lighting hardware. Write receives one complete wire
// frame as produced by an Encoder.
type Device interface {
	Open() error
	Write(frame []byte) error
	Close() error
}
