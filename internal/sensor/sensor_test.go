package sensor

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTemperatureQuery(t *testing.T) {
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(TemperatureQuery, want) {
		t.Errorf("query: got % x, want % x", TemperatureQuery, want)
	}
}

func TestDecodeFrame(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x01, 0x2C}
	crc := CRC16(frame)
	full := append(append([]byte{}, frame...), byte(crc), byte(crc>>8))

	tests := []struct {
		name    string
		frame   []byte
		want    float64
		wantErr error
	}{
		{"full frame", full, 300, nil},
		{"crc omitted", frame, 300, nil},
		{"short", []byte{0x01, 0x03, 0x02, 0x01}, 0, ErrShortFrame},
		{"bad crc", []byte{0x01, 0x03, 0x02, 0x01, 0x2C, 0x00, 0x00}, 0, ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame(tt.frame)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got err %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// loopPort answers every write with the configured reply.
type loopPort struct {
	reply   []byte
	written bytes.Buffer
	pending []byte
	closed  bool
	readErr error
}

func (p *loopPort) Write(b []byte) (int, error) {
	p.written.Write(b)
	p.pending = p.reply
	return len(b), nil
}

func (p *loopPort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *loopPort) Close() error {
	p.closed = true
	return nil
}

func newTestModbus(p *loopPort) (*Modbus, *[]time.Duration) {
	m := NewModbus(p, 0)
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }
	return m, &slept
}

func TestModbusRead(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x01, 0x2C}
	crc := CRC16(frame)
	port := &loopPort{reply: append(frame, byte(crc), byte(crc>>8))}
	m, slept := newTestModbus(port)

	v, ok := m.Read()
	if !ok || v != 300 {
		t.Fatalf("got (%v, %v), want (300, true)", v, ok)
	}
	if !bytes.Equal(port.written.Bytes(), TemperatureQuery) {
		t.Errorf("wrote % x", port.written.Bytes())
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultSettle {
		t.Errorf("expected one settle of %v, got %v", DefaultSettle, *slept)
	}
}

func TestModbusReadEmpty(t *testing.T) {
	m, _ := newTestModbus(&loopPort{})
	if _, ok := m.Read(); ok {
		t.Error("expected no reading for empty buffer")
	}
}

func TestModbusReadGarbage(t *testing.T) {
	m, _ := newTestModbus(&loopPort{reply: []byte{0xFF, 0x00}})
	if _, ok := m.Read(); ok {
		t.Error("expected no reading for short reply")
	}
}

func TestModbusReadError(t *testing.T) {
	m, _ := newTestModbus(&loopPort{readErr: errors.New("i/o error")})
	if _, ok := m.Read(); ok {
		t.Error("expected no reading on read error")
	}
}

func TestModbusClose(t *testing.T) {
	port := &loopPort{}
	m, _ := newTestModbus(port)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if _, ok := m.Read(); ok {
		t.Error("closed reader returned a value")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestFindDevice(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"usb-FTDI_FT232R-if00-port0", "usb-1a86_USB_Serial-if00-port0"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := FindDevice(dir, DefaultMatch)
	if err != nil {
		t.Fatalf("FindDevice: %v", err)
	}
	if filepath.Base(got) != "usb-1a86_USB_Serial-if00-port0" {
		t.Errorf("got %s", got)
	}
}

func TestFindDeviceMissing(t *testing.T) {
	if _, err := FindDevice(t.TempDir(), DefaultMatch); !errors.Is(err, ErrNoDevice) {
		t.Errorf("empty dir: got %v, want ErrNoDevice", err)
	}
	if _, err := FindDevice("/nonexistent/by-id", DefaultMatch); !errors.Is(err, ErrNoDevice) {
		t.Errorf("missing dir: got %v, want ErrNoDevice", err)
	}
}

func TestNone(t *testing.T) {
	var r Reader = None{}
	if _, ok := r.Read(); ok {
		t.Error("None reported a value")
	}
}

func TestFakeReader(t *testing.T) {
	f := NewFakeReader(Reading(300), Dropout)
	f.Push(Reading(301))

	want := []Sample{Reading(300), Dropout, Reading(301), Dropout}
	for i, w := range want {
		v, ok := f.Read()
		if ok != w.OK || v != w.Value {
			t.Errorf("read %d: got (%v, %v), want (%v, %v)", i, v, ok, w.Value, w.OK)
		}
	}
	if f.Reads != 4 {
		t.Errorf("Reads: got %d, want 4", f.Reads)
	}
}
