package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/datalog"
	"github.com/sweeney/anneal-control/internal/gpio"
	"github.com/sweeney/anneal-control/internal/history"
	"github.com/sweeney/anneal-control/internal/instrument"
	"github.com/sweeney/anneal-control/internal/mqtt"
	"github.com/sweeney/anneal-control/internal/sensor"
	"github.com/sweeney/anneal-control/internal/status"
	"github.com/sweeney/anneal-control/internal/web"
)

type bufCloser struct{ *bytes.Buffer }

func (bufCloser) Close() error { return nil }

// rig wires one run end to end on fakes. Ticks are fed by hand, one
// simulated second apart.
type rig struct {
	t        *testing.T
	inst     *instrument.FakeInstrument
	sensor   *sensor.FakeReader
	tracker  *status.Tracker
	mailbox  *control.Mailbox
	pub      *mqtt.FakePublisher
	store    *history.Store
	csv      *bytes.Buffer
	srv      *httptest.Server
	ticks    chan time.Time
	now      time.Time
	cfg      control.Config
	id       string
	results  chan control.Result
	result   *control.Result
	stopRep  func()
	onTick   func(now time.Time)
	cancelFn context.CancelFunc
}

func newRig(t *testing.T, cfg control.Config, temps ...float64) *rig {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := &rig{
		t:       t,
		inst:    instrument.NewFakeInstrument(),
		sensor:  sensor.NewFakeReader(),
		tracker: status.NewTracker(start, status.Config{Instrument: "fake", HTTPAddr: "test"}),
		mailbox: control.NewMailbox(4),
		pub:     mqtt.NewFakePublisher(),
		csv:     &bytes.Buffer{},
		ticks:   make(chan time.Time),
		now:     start,
		cfg:     cfg,
		id:      history.NewRunID(),
		results: make(chan control.Result, 1),
	}
	for _, v := range temps {
		r.sensor.Push(sensor.Reading(v))
	}

	store, err := history.OpenInMemory()
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	r.store = store
	t.Cleanup(func() { store.Close() })

	r.srv = httptest.NewServer(web.New(web.Options{
		Tracker: r.tracker,
		Control: r.mailbox,
		Runs:    store,
	}).Handler())
	t.Cleanup(r.srv.Close)

	repCtx, cancelRep := context.WithCancel(context.Background())
	rep := mqtt.NewReporter(r.pub, 256)
	repDone := make(chan struct{})
	go func() {
		rep.Run(repCtx)
		close(repDone)
	}()
	r.stopRep = func() {
		cancelRep()
		<-repDone
	}
	t.Cleanup(r.stopRep)

	csvLog, err := datalog.NewCSVLog(bufCloser{r.csv}, datalog.RunHeader(0, 0, false))
	if err != nil {
		t.Fatalf("csv log: %v", err)
	}

	loop, err := control.New(cfg, control.Deps{
		Instrument: r.inst,
		Sensor:     r.sensor,
		Display:    control.Displays{r.tracker, rep},
		Recorder:   csvLog,
		Now:        func() time.Time { return start },
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	r.tracker.BeginRun(r.id, cfg, start)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFn = cancel
	t.Cleanup(cancel)
	go func() {
		res, err := loop.Run(ctx, r.ticks, r.mailbox.C())
		if err != nil {
			t.Errorf("loop run: %v", err)
		}
		r.results <- res
	}()
	return r
}

// tick advances one second. It returns false once the run has ended.
func (r *rig) tick() bool {
	if r.result != nil {
		return false
	}
	r.now = r.now.Add(time.Second)
	if r.onTick != nil {
		r.onTick(r.now)
	}
	select {
	case r.ticks <- r.now:
		return true
	case res := <-r.results:
		r.finish(res)
		return false
	case <-time.After(2 * time.Second):
		r.t.Fatal("loop did not take a tick")
		return false
	}
}

// runToEnd ticks until the run ends.
func (r *rig) runToEnd(max int) control.Result {
	r.t.Helper()
	for i := 0; i < max && r.tick(); i++ {
	}
	if r.result == nil {
		r.t.Fatalf("run still going after %d ticks", max)
	}
	return *r.result
}

func (r *rig) finish(res control.Result) {
	r.result = &res
	r.tracker.EndRun(res)
	if err := r.store.Save(history.Summarize(r.id, r.cfg, res)); err != nil {
		r.t.Errorf("save run: %v", err)
	}
	r.stopRep()
}

func (r *rig) post(path string, form url.Values) int {
	r.t.Helper()
	resp, err := http.PostForm(r.srv.URL+path, form)
	if err != nil {
		r.t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (r *rig) statusJSON() map[string]any {
	r.t.Helper()
	resp, err := http.Get(r.srv.URL + "/index.json")
	if err != nil {
		r.t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status map[string]any `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.t.Fatalf("decode status: %v", err)
	}
	return out.Status
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func hasWarning(ws []control.Warning, w control.Warning) bool {
	for _, x := range ws {
		if x == w {
			return true
		}
	}
	return false
}

// TestIntegrationManualAdjustAndStopOverHTTP drives a manual run from the
// web API: adjust up, stop, and check every surface saw it.
func TestIntegrationManualAdjustAndStopOverHTTP(t *testing.T) {
	r := newRig(t, control.Config{MaxCurrent: 0}, repeat(300, 200)...)
	r.tick()

	if code := r.post("/api/adjust", url.Values{"current": {"0.3"}}); code != http.StatusAccepted {
		t.Fatalf("adjust: got %d", code)
	}
	for i := 0; i < 10; i++ {
		r.tick()
	}

	st := r.statusJSON()
	if st["running"] != true {
		t.Errorf("running: got %v", st["running"])
	}
	if st["phase"] != "manual" {
		t.Errorf("phase: got %v", st["phase"])
	}
	out := st["output"].(map[string]any)
	if c := out["current"].(float64); c < 0.299 || c > 0.301 {
		t.Errorf("current: got %v, want 0.3", c)
	}

	if code := r.post("/api/stop", nil); code != http.StatusAccepted {
		t.Fatalf("stop: got %d", code)
	}
	res := r.runToEnd(50)

	if res.Reason != control.ReasonRequested {
		t.Errorf("reason: got %s", res.Reason)
	}
	if !res.OutputOff || r.inst.IsOutputOn() {
		t.Error("output should be off")
	}
	if last, _ := r.inst.LastSet(); last.Current != 0 {
		t.Errorf("last set: got %v, want 0", last.Current)
	}

	if !hasWarning(r.pub.Warnings, control.WarnCurrentReached) {
		t.Errorf("mqtt warnings: got %v", r.pub.Warnings)
	}
	if tel, _, _ := r.pub.Counts(); tel == 0 {
		t.Error("expected telemetry on mqtt")
	}
	snap := r.tracker.Snapshot()
	if snap.Running() || snap.Run.Result == nil || snap.Run.Result.Reason != control.ReasonRequested {
		t.Errorf("tracker run: %+v", snap.Run)
	}

	csv := r.csv.String()
	if !strings.Contains(csv, "Timestamp,Temperature,Output,Voltage") {
		t.Errorf("csv header missing:\n%s", csv)
	}
	if !strings.Contains(csv, "273.87") {
		t.Errorf("csv should hold the external temperature:\n%s", csv)
	}

	// The run is over: control answers 409, the archive has it.
	if code := r.post("/api/stop", nil); code != http.StatusConflict {
		t.Errorf("stop after run: got %d, want 409", code)
	}
	resp, err := http.Get(r.srv.URL + "/api/runs/" + r.id)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET run: got %d", resp.StatusCode)
	}
}

// TestIntegrationLadderRunCompletesHeating runs the open-loop ramp through
// the heating timer to output off.
func TestIntegrationLadderRunCompletesHeating(t *testing.T) {
	cfg := control.Config{
		MaxCurrent:  0.2,
		Profile:     &control.Profile{Setpoint: 1000, HeatingRate: 1},
		HeatingTime: 3 * time.Second,
	}
	r := newRig(t, cfg, repeat(900, 100)...)
	res := r.runToEnd(50)

	if res.Mode != control.ModeLadder {
		t.Errorf("mode: got %s", res.Mode)
	}
	if res.Reason != control.ReasonHeatingComplete {
		t.Errorf("reason: got %s", res.Reason)
	}
	if !res.HeatingStarted || res.HeatingElapsed < 3*time.Second {
		t.Errorf("heating: started=%v elapsed=%s", res.HeatingStarted, res.HeatingElapsed)
	}
	if !res.OutputOff {
		t.Error("output should be off")
	}
	for i, c := range r.inst.SetCalls() {
		if c.Current > 0.2+1e-9 {
			t.Errorf("set %d: %v above max current", i, c.Current)
		}
		if c.Voltage != control.DefaultVoltage {
			t.Errorf("set %d: voltage %v", i, c.Voltage)
		}
	}
	if !hasWarning(r.pub.Warnings, control.WarnHeatingComplete) {
		t.Errorf("mqtt warnings: got %v", r.pub.Warnings)
	}

	runs, err := r.store.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Reason != "heating_complete" || runs[0].Setpoint == nil {
		t.Errorf("archive: %+v", runs)
	}
}

// TestIntegrationInterlockStopsRun trips the safety line mid-run.
func TestIntegrationInterlockStopsRun(t *testing.T) {
	r := newRig(t, control.Config{MaxCurrent: 0.1}, repeat(300, 100)...)
	line := gpio.NewFakeReader(false, false, false, true)
	il := gpio.NewInterlock(line, r.mailbox, time.Millisecond, 500*time.Millisecond)
	r.onTick = il.Poll

	res := r.runToEnd(50)
	if !il.Tripped() {
		t.Error("interlock should be tripped")
	}
	if res.Reason != control.ReasonRequested || !res.OutputOff {
		t.Errorf("result: reason=%s off=%v", res.Reason, res.OutputOff)
	}
}

// TestIntegrationInstrumentLossEndsRun cuts the output once the supply
// stops answering.
func TestIntegrationInstrumentLossEndsRun(t *testing.T) {
	cfg := control.Config{
		MaxCurrent:  2,
		Profile:     &control.Profile{Setpoint: 1000, HeatingRate: 1},
		HeatingTime: time.Minute,
	}
	r := newRig(t, cfg, repeat(900, 100)...)
	r.tick()
	r.tick()
	r.inst.SetError = errors.New("no route to host")

	res := r.runToEnd(50)
	if res.Reason != control.ReasonConnectionLost {
		t.Errorf("reason: got %s", res.Reason)
	}
	if !hasWarning(res.Warnings, control.WarnInstrument) || !hasWarning(res.Warnings, control.WarnConnectionLost) {
		t.Errorf("warnings: got %v", res.Warnings)
	}
	if !hasWarning(r.pub.Warnings, control.WarnConnectionLost) {
		t.Errorf("mqtt warnings: got %v", r.pub.Warnings)
	}
	if r.inst.IsOutputOn() {
		t.Error("output should be cut")
	}
}

// TestIntegrationPublishFailureDoesNotStopRun keeps controlling while the
// broker rejects every message.
func TestIntegrationPublishFailureDoesNotStopRun(t *testing.T) {
	r := newRig(t, control.Config{MaxCurrent: 0.1}, repeat(300, 100)...)
	r.pub.PublishError = errors.New("broker down")

	for i := 0; i < 5; i++ {
		r.tick()
	}
	if code := r.post("/api/stop", nil); code != http.StatusAccepted {
		t.Fatalf("stop: got %d", code)
	}
	res := r.runToEnd(50)
	if res.Reason != control.ReasonRequested || !res.OutputOff {
		t.Errorf("result: reason=%s off=%v", res.Reason, res.OutputOff)
	}
}
