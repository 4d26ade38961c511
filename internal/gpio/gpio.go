// Package gpio reads the safety interlock line (E-stop or enclosure door).
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the interlock input.
type Reader interface {
	// Read returns true while the interlock is tripped.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Defaults for the interlock line (BCM numbering).
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 26
)
