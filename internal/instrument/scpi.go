package instrument

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSCPIPort is the raw-socket SCPI port used by LAN instruments.
const DefaultSCPIPort = "5025"

// deadliner is implemented by net.Conn and pollable *os.File.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// SCPI is a power supply controlled with SCPI text commands.
// Safe for concurrent use, though the control loop is the only caller.
type SCPI struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	timeout time.Duration
	closed  bool
	name    string
}

// Open connects to the instrument at address. Supported forms:
//
//	tcp://192.168.1.50:5025   raw SCPI socket
//	192.168.1.50              raw SCPI socket on DefaultSCPIPort
//	/dev/usbtmc0              Linux USBTMC device node
func Open(address string, timeout time.Duration) (*SCPI, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	switch {
	case address == "":
		return nil, fmt.Errorf("instrument: address required")
	case strings.HasPrefix(address, "/"):
		f, err := os.OpenFile(address, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("instrument: open %s: %w", address, err)
		}
		return NewSCPI(f, address, timeout), nil
	default:
		hostport := strings.TrimPrefix(address, "tcp://")
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			hostport = net.JoinHostPort(hostport, DefaultSCPIPort)
		}
		conn, err := net.DialTimeout("tcp", hostport, timeout)
		if err != nil {
			return nil, fmt.Errorf("instrument: dial %s: %w", hostport, err)
		}
		return NewSCPI(conn, hostport, timeout), nil
	}
}

// NewSCPI wraps an established connection.
func NewSCPI(conn io.ReadWriteCloser, name string, timeout time.Duration) *SCPI {
	return &SCPI{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		name:    name,
	}
}

// Set programs voltage and current.
func (s *SCPI) Set(voltage, current float64) error {
	if err := s.write("VOLT " + formatFloat(voltage)); err != nil {
		return fmt.Errorf("set voltage: %w", err)
	}
	if err := s.write("CURR " + formatFloat(current)); err != nil {
		return fmt.Errorf("set current: %w", err)
	}
	return nil
}

// StartOutput enables the output.
func (s *SCPI) StartOutput() error {
	return s.write("OUTP ON")
}

// StopOutput disables the output.
func (s *SCPI) StopOutput() error {
	return s.write("OUTP OFF")
}

// ReadVoltage queries the measured voltage.
func (s *SCPI) ReadVoltage() (float64, error) {
	return s.queryFloat("MEAS:VOLT?")
}

// ReadCurrent queries the measured current.
func (s *SCPI) ReadCurrent() (float64, error) {
	return s.queryFloat("MEAS:CURR?")
}

// Close releases the connection.
func (s *SCPI) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *SCPI) write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.setDeadline()
	if _, err := io.WriteString(s.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("write %q to %s: %w", cmd, s.name, err)
	}
	return nil
}

func (s *SCPI) queryFloat(cmd string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.setDeadline()
	if _, err := io.WriteString(s.conn, cmd+"\n"); err != nil {
		return 0, fmt.Errorf("write %q to %s: %w", cmd, s.name, err)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return 0, fmt.Errorf("read %q reply: %w", cmd, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %q reply %q: %w", cmd, strings.TrimSpace(line), err)
	}
	return v, nil
}

func (s *SCPI) setDeadline() {
	if d, ok := s.conn.(deadliner); ok {
		// Character devices without poll support reject deadlines; ignore.
		_ = d.SetDeadline(time.Now().Add(s.timeout))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
