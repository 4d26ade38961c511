// Package datalog writes the append-only run logs: the AI computation log
// and the per-run CSV temperature log.
package datalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
)

const timestampLayout = "2006-01-02 15:04:05"

// RunHeader is the comment line written at the start of a run.
func RunHeader(setpoint, heatingRate float64, campaign bool) string {
	return fmt.Sprintf("# Setpoint: %g, Heating Rate: %g, Campaign: %t", setpoint, heatingRate, campaign)
}

// AILog records each automatic-mode computation on a trusted sample.
type AILog struct {
	mu      sync.Mutex
	w       io.WriteCloser
	lastLog time.Time
	closed  bool
}

// NewAILog writes to w, starting with header when it is not empty.
func NewAILog(w io.WriteCloser, header string) (*AILog, error) {
	if header != "" {
		if _, err := fmt.Fprintln(w, header); err != nil {
			return nil, fmt.Errorf("write ai log header: %w", err)
		}
	}
	return &AILog{w: w}, nil
}

// OpenAILog appends to the file at path, creating it if needed.
func OpenAILog(path, header string) (*AILog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ai log: %w", err)
	}
	l, err := NewAILog(f, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Append writes r if it is an automatic computation on a trusted sample.
// The interval is measured from the previous line written by this log.
func (l *AILog) Append(r control.Record) error {
	if r.Phase != control.PhaseAI || r.Source != control.SourceTrusted {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("ai log: closed")
	}

	var interval float64
	if !l.lastLog.IsZero() {
		interval = r.Time.Sub(l.lastLog).Seconds()
	}
	l.lastLog = r.Time

	_, err := fmt.Fprintf(l.w, "%s - Current Value: %.2f, Output: %.3f, Voltage: %s, Time Interval: %.2f s\n",
		r.Time.Format(timestampLayout), r.Temperature, r.Output, r.Voltage.Format(), interval)
	return err
}

// Close ends the run with a blank line and closes the writer.
func (l *AILog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_, werr := fmt.Fprintln(l.w)
	return errors.Join(werr, l.w.Close())
}

// CSVLog records every tick with a known temperature.
type CSVLog struct {
	mu     sync.Mutex
	c      io.Closer
	w      *csv.Writer
	closed bool
}

// CSVHeader is the column row of the temperature log.
var CSVHeader = []string{"Timestamp", "Temperature", "Output", "Voltage"}

// NewCSVLog writes to w: an optional one-cell header row, then CSVHeader.
func NewCSVLog(w io.WriteCloser, header string) (*CSVLog, error) {
	cw := csv.NewWriter(w)
	if header != "" {
		if err := cw.Write([]string{header}); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := cw.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return &CSVLog{c: w, w: cw}, nil
}

// CreateCSVLog creates dir/<prefix>_<YYYYmmdd_HHMMSS>.csv and returns its path.
func CreateCSVLog(dir, prefix, header string, now time.Time) (*CSVLog, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", prefix, now.Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create csv log: %w", err)
	}
	l, err := NewCSVLog(f, header)
	if err != nil {
		f.Close()
		return nil, "", err
	}
	return l, path, nil
}

// Append writes one row. Records without a temperature are skipped.
func (l *CSVLog) Append(r control.Record) error {
	if r.Source == control.SourceNone {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("csv log: closed")
	}
	row := []string{
		r.Time.Format(timestampLayout),
		fmt.Sprintf("%.2f", r.Actual),
		fmt.Sprintf("%.2f", r.Output),
		r.Voltage.Format(),
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	// flush per row so a crashed run keeps its data
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the file.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.w.Flush()
	return errors.Join(l.w.Error(), l.c.Close())
}

// Multi fans records out to several recorders.
type Multi []control.Recorder

// Append writes r to every recorder and joins their errors.
func (m Multi) Append(r control.Record) error {
	var errs []error
	for _, rec := range m {
		if err := rec.Append(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every recorder.
func (m Multi) Close() error {
	var errs []error
	for _, rec := range m {
		if err := rec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
