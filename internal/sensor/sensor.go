// Package sensor reads the infrared pyrometer over Modbus-RTU.
// The real implementation talks to a USB serial adapter.
// The fake implementation allows testing without hardware.
package sensor

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoDevice is returned when no matching serial adapter is attached.
	ErrNoDevice = errors.New("sensor: no device found")

	// ErrShortFrame is returned for replies too short to hold a register.
	ErrShortFrame = errors.New("sensor: frame too short")

	// ErrChecksum is returned when a full frame fails its CRC.
	ErrChecksum = errors.New("sensor: bad checksum")
)

// Reader is the raw sensor as seen by the control loop.
type Reader interface {
	// Read polls the device once and returns the decoded temperature.
	// Returns false when the device reported nothing usable.
	Read() (float64, bool)

	// Close releases the device.
	Close() error
}

// Device defaults for the pyrometer's RS-485 adapter.
const (
	DefaultBaudRate = 9600
	DefaultSettle   = 100 * time.Millisecond
	DefaultByIDDir  = "/dev/serial/by-id"
)

// DefaultMatch are substrings identifying the CH340 adapter in by-id names.
var DefaultMatch = []string{"CH340", "1a86"}

// TemperatureQuery reads holding register 0 of slave 1.
var TemperatureQuery = ReadHoldingQuery(1, 0, 1)

// Modbus polls a temperature register over a serial line.
type Modbus struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	query  []byte
	settle time.Duration
	sleep  func(time.Duration)
	buf    []byte
}

// NewModbus wraps an open port. A zero settle uses DefaultSettle.
func NewModbus(port io.ReadWriteCloser, settle time.Duration) *Modbus {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Modbus{
		port:   port,
		query:  TemperatureQuery,
		settle: settle,
		sleep:  time.Sleep,
		buf:    make([]byte, 64),
	}
}

// Read sends the query, waits for the device to answer and decodes the reply.
func (m *Modbus) Read() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return 0, false
	}
	if _, err := m.port.Write(m.query); err != nil {
		log.Printf("sensor: write query: %v", err)
		return 0, false
	}
	m.sleep(m.settle)

	n, err := m.port.Read(m.buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("sensor: read reply: %v", err)
		}
		return 0, false
	}

	temp, err := DecodeFrame(m.buf[:n])
	if err != nil {
		log.Printf("sensor: decode % x: %v", m.buf[:n], err)
		return 0, false
	}
	return temp, true
}

// Close releases the port.
func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// DecodeFrame extracts the register value from a read-holding reply:
// address, function, byte count, then the big-endian value. The trailing
// CRC is verified only when the full frame arrived.
func DecodeFrame(frame []byte) (float64, error) {
	if len(frame) < 5 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if len(frame) >= 7 {
		want := CRC16(frame[:5])
		got := uint16(frame[5]) | uint16(frame[6])<<8
		if want != got {
			return 0, fmt.Errorf("%w: got %04x, want %04x", ErrChecksum, got, want)
		}
	}
	return float64(uint16(frame[3])<<8 | uint16(frame[4])), nil
}

// ReadHoldingQuery builds a function 0x03 request for count registers.
func ReadHoldingQuery(slave byte, register, count uint16) []byte {
	q := []byte{
		slave, 0x03,
		byte(register >> 8), byte(register),
		byte(count >> 8), byte(count),
	}
	crc := CRC16(q)
	return append(q, byte(crc), byte(crc>>8))
}

// CRC16 computes the Modbus CRC (poly 0xA001, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// FindDevice returns the first entry in dir whose name contains any of match.
func FindDevice(dir string, match []string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoDevice
		}
		return "", fmt.Errorf("sensor: list %s: %w", dir, err)
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		for _, m := range match {
			if m != "" && strings.Contains(name, strings.ToLower(m)) {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", ErrNoDevice
}

// None is the reader used when no sensor is attached. It never reports a value.
type None struct{}

// Read always reports no reading.
func (None) Read() (float64, bool) { return 0, false }

// Close is a no-op.
func (None) Close() error { return nil }

// Open locates and opens the sensor. An empty device searches DefaultByIDDir.
// When nothing is attached it logs once and returns None, so the controller
// runs in no-sensor mode.
func Open(device string, baud int) (Reader, error) {
	if device == "" {
		found, err := FindDevice(DefaultByIDDir, DefaultMatch)
		if errors.Is(err, ErrNoDevice) {
			log.Printf("sensor: no device found, running without temperature sensor")
			return None{}, nil
		}
		if err != nil {
			return nil, err
		}
		device = found
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := OpenPort(device, baud)
	if err != nil {
		return nil, err
	}
	log.Printf("sensor: opened %s at %d baud", device, baud)
	return NewModbus(port, DefaultSettle), nil
}
