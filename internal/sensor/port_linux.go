//go:build linux

package sensor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Port is a raw 8N1 serial line.
type Port struct {
	mu     sync.Mutex
	fd     int
	device string
	closed bool
	old    *unix.Termios
}

// OpenPort opens device in raw mode at baud. Reads return after at most
// 100ms without data.
func OpenPort(device string, baud int) (*Port, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("sensor: unsupported baud rate %d", baud)
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("sensor: open %s: %w", device, err)
	}

	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sensor: get termios: %w", err)
	}

	t := *old
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sensor: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sensor: set blocking: %w", err)
	}
	// Drop anything the adapter buffered before we configured it.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return &Port{fd: fd, device: device, old: old}, nil
}

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Read reads whatever is available.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	fd, closed := p.fd, p.closed
	p.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("sensor: %s closed", p.device)
	}
	n, err := unix.Read(fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write writes b to the line.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	fd, closed := p.fd, p.closed
	p.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("sensor: %s closed", p.device)
	}
	return unix.Write(fd, b)
}

// Close restores the original line settings and closes the device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.old != nil {
		_ = unix.IoctlSetTermios(p.fd, unix.TCSETS, p.old)
	}
	return unix.Close(p.fd)
}
