package datalog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/instrument"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

var base = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func aiRecord(offset time.Duration, temp, out float64, v instrument.Measurement) control.Record {
	return control.Record{
		Time:        base.Add(offset),
		Phase:       control.PhaseAI,
		Source:      control.SourceTrusted,
		Temperature: temp,
		Actual:      control.ToExternal(temp),
		Output:      out,
		Voltage:     v,
	}
}

func TestAILogFormat(t *testing.T) {
	buf := &bufCloser{}
	l, err := NewAILog(buf, RunHeader(331.97, 1.5, true))
	if err != nil {
		t.Fatal(err)
	}

	l.Append(aiRecord(0, 300.123, 1.2345, instrument.Value(24.9876)))
	l.Append(aiRecord(1500*time.Millisecond, 301, 1.25, instrument.Unmeasured))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	want := "# Setpoint: 331.97, Heating Rate: 1.5, Campaign: true\n" +
		"2026-03-01 09:30:00 - Current Value: 300.12, Output: 1.234, Voltage: 24.988, Time Interval: 0.00 s\n" +
		"2026-03-01 09:30:01 - Current Value: 301.00, Output: 1.250, Voltage: Not measured, Time Interval: 1.50 s\n" +
		"\n"
	if buf.String() != want {
		t.Errorf("got:\n%q\nwant:\n%q", buf.String(), want)
	}
	if !buf.closed {
		t.Error("writer not closed")
	}
}

func TestAILogSkipsNonAIRecords(t *testing.T) {
	buf := &bufCloser{}
	l, _ := NewAILog(buf, "")

	virtual := aiRecord(0, 300, 1, instrument.Unmeasured)
	virtual.Source = control.SourceVirtual
	manual := aiRecord(0, 300, 1, instrument.Unmeasured)
	manual.Phase = control.PhaseManual

	l.Append(virtual)
	l.Append(manual)
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %q", buf.String())
	}
}

func TestAILogIntervalIsPerInstance(t *testing.T) {
	a, _ := NewAILog(&bufCloser{}, "")
	a.Append(aiRecord(0, 300, 1, instrument.Unmeasured))

	buf := &bufCloser{}
	b, _ := NewAILog(buf, "")
	b.Append(aiRecord(10*time.Second, 300, 1, instrument.Unmeasured))

	if !strings.Contains(buf.String(), "Time Interval: 0.00 s") {
		t.Errorf("new log should start with zero interval: %q", buf.String())
	}
}

func TestAILogClosed(t *testing.T) {
	l, _ := NewAILog(&bufCloser{}, "")
	l.Close()
	if err := l.Append(aiRecord(0, 300, 1, instrument.Unmeasured)); err == nil {
		t.Error("expected error after close")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCSVLog(t *testing.T) {
	buf := &bufCloser{}
	l, err := NewCSVLog(buf, "# Setpoint: 302, Heating Rate: 1, Campaign: false")
	if err != nil {
		t.Fatal(err)
	}

	l.Append(aiRecord(0, 300, 1.234, instrument.Value(25)))
	none := aiRecord(time.Second, 0, 1, instrument.Unmeasured)
	none.Source = control.SourceNone
	l.Append(none)
	virtual := aiRecord(2*time.Second, 301, 1.3, instrument.Unmeasured)
	virtual.Source = control.SourceVirtual
	l.Append(virtual)
	l.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		`"# Setpoint: 302, Heating Rate: 1, Campaign: false"`,
		"Timestamp,Temperature,Output,Voltage",
		"2026-03-01 09:30:00,273.87,1.23,25.000",
		"2026-03-01 09:30:02,274.75,1.30,Not measured",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestCreateCSVLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "temperature_log")
	l, path, err := CreateCSVLog(dir, "anneal", "", base)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "anneal_20260301_093000.csv" {
		t.Errorf("path: got %s", path)
	}
	l.Append(aiRecord(0, 300, 1, instrument.Unmeasured))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "Timestamp,Temperature,Output,Voltage\n") {
		t.Errorf("unexpected contents %q", data)
	}
}

func TestOpenAILogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ai_log.txt")
	for i := 0; i < 2; i++ {
		l, err := OpenAILog(path, RunHeader(300, 1, false))
		if err != nil {
			t.Fatal(err)
		}
		l.Append(aiRecord(0, 300, 1, instrument.Unmeasured))
		l.Close()
	}
	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "# Setpoint"); n != 2 {
		t.Errorf("expected 2 run headers, got %d", n)
	}
}

type failingRecorder struct{ closed bool }

func (f *failingRecorder) Append(control.Record) error { return errors.New("disk full") }
func (f *failingRecorder) Close() error {
	f.closed = true
	return nil
}

func TestMulti(t *testing.T) {
	buf := &bufCloser{}
	csvLog, _ := NewCSVLog(buf, "")
	bad := &failingRecorder{}
	m := Multi{csvLog, bad}

	if err := m.Append(aiRecord(0, 300, 1, instrument.Unmeasured)); err == nil {
		t.Error("expected joined error")
	}
	if !strings.Contains(buf.String(), "273.87") {
		t.Error("healthy recorder should still receive the record")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !bad.closed || !buf.closed {
		t.Error("not all recorders closed")
	}
}
