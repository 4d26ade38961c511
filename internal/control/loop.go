package control

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/anneal-control/internal/filter"
	"github.com/sweeney/anneal-control/internal/instrument"
	"github.com/sweeney/anneal-control/internal/limit"
	"github.com/sweeney/anneal-control/internal/metrics"
	"github.com/sweeney/anneal-control/internal/sensor"
)

// Deps are the collaborators of a Loop. Instrument and Sensor are required.
type Deps struct {
	Instrument instrument.Instrument
	Sensor     sensor.Reader
	Filter     *filter.Filter
	Predictor  Predictor
	Display    Display
	Recorder   Recorder
	// Now stamps the run start and end. Defaults to time.Now.
	Now func() time.Time
}

// Loop is one control run. It owns the instrument and sensor while it runs.
// Not safe for concurrent use: other goroutines talk to it through intents.
type Loop struct {
	cfg     Config
	inst    instrument.Instrument
	sensor  sensor.Reader
	filter  *filter.Filter
	pred    Predictor
	display Display
	rec     Recorder
	now     func() time.Time

	mode     Mode
	phase    Phase
	current  float64
	setpoint float64 // sensor domain
	tick     int
	tickTime time.Time

	start          time.Time
	end            time.Time
	heatingStart   time.Time
	heatingStarted bool
	heatingElapsed time.Duration

	lastTemp float64
	lastTs   time.Time
	haveTemp bool
	rate     float64

	failedReads int
	instErrors  int

	adjusting    bool
	adjustTarget float64
	reachedSent  bool

	stopRequested bool
	skipRamp      bool
	reason        StopReason
	outputOff     bool

	voltage      instrument.Measurement
	resistWarned bool
	warnings     []Warning
	recClosed    bool
}

// New creates a Loop for cfg. Unset tuning fields take their defaults.
func New(cfg Config, deps Deps) (*Loop, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Instrument == nil {
		return nil, fmt.Errorf("%w: instrument required", ErrInvalidConfig)
	}
	if deps.Sensor == nil {
		deps.Sensor = sensor.None{}
	}
	if deps.Filter == nil {
		deps.Filter = filter.New(filter.DefaultConfig())
	}
	if deps.Display == nil {
		deps.Display = nopDisplay{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	mode := SelectMode(cfg)
	if mode == ModeAI && deps.Predictor == nil {
		return nil, fmt.Errorf("%w: automatic mode requires a predictor", ErrInvalidConfig)
	}

	l := &Loop{
		cfg:     cfg,
		inst:    deps.Instrument,
		sensor:  deps.Sensor,
		filter:  deps.Filter,
		pred:    deps.Predictor,
		display: deps.Display,
		rec:     deps.Recorder,
		now:     deps.Now,
		mode:    mode,
		phase:   PhaseIdle,
		voltage: instrument.Unmeasured,
	}
	if cfg.Profile != nil {
		l.setpoint = cfg.Profile.SensorSetpoint()
	}
	return l, nil
}

// Mode returns the entry mode.
func (l *Loop) Mode() Mode { return l.mode }

// Phase returns the current phase.
func (l *Loop) Phase() Phase { return l.phase }

// Current returns the commanded current.
func (l *Loop) Current() float64 { return l.current }

// Done reports whether the run has ended.
func (l *Loop) Done() bool { return l.phase == PhaseDone }

// SensorSetpoint returns the sensor-domain setpoint, zero for manual runs.
func (l *Loop) SensorSetpoint() float64 { return l.setpoint }

// Start performs the entry actions for the selected mode. An error aborts
// the run before any tick.
func (l *Loop) Start(now time.Time) error {
	if l.phase != PhaseIdle {
		return fmt.Errorf("control: already started")
	}
	l.start = now
	l.filter.Reset()

	switch l.mode {
	case ModeManual:
		l.current = l.cfg.MaxCurrent
		log.Printf("control: manual mode, %.3f V / %.3f A", l.cfg.Voltage, l.current)
	case ModeAI:
		c, err := l.inst.ReadCurrent()
		if err != nil {
			log.Printf("control: read initial current: %v, starting from 0", err)
			metrics.InstrumentErrors.WithLabelValues("read_current").Inc()
			c = 0
		}
		l.current = c
		log.Printf("control: ai mode, setpoint %.2f (sensor %.2f), heating rate %.2f",
			l.cfg.Profile.Setpoint, l.setpoint, l.cfg.Profile.HeatingRate)
	case ModeLadder:
		l.current = 0
		log.Printf("control: ladder mode, sensor setpoint %.2f above %.0f", l.setpoint, LadderThreshold)
	case ModeRecovery:
		c, err := l.inst.ReadCurrent()
		if err != nil {
			log.Printf("control: recovery read current: %v", err)
			metrics.InstrumentErrors.WithLabelValues("read_current").Inc()
			c = 0
		}
		l.current = c
		log.Printf("control: recovery mode, ramping down from %.3f A", c)
		l.stopRequested = true
		l.reason = ReasonRecovery
		l.phase = PhaseStopping
		return nil
	}

	if err := l.inst.Set(l.cfg.Voltage, l.current); err != nil {
		metrics.InstrumentErrors.WithLabelValues("set").Inc()
		l.phase = PhaseDone
		l.closeRecorder()
		return fmt.Errorf("control: initial set: %w", err)
	}
	if err := l.inst.StartOutput(); err != nil {
		metrics.InstrumentErrors.WithLabelValues("start_output").Inc()
		l.phase = PhaseDone
		l.closeRecorder()
		return fmt.Errorf("control: start output: %w", err)
	}
	metrics.ActuationCurrent.Set(l.current)
	l.phase = phaseFor(l.mode)
	return nil
}

// Apply handles one intent. Stop-type intents take effect at the next tick.
func (l *Loop) Apply(in Intent) {
	if l.phase == PhaseDone {
		return
	}
	if l.phase == PhaseIdle && (in.Kind == IntentAdjust || in.Kind == IntentSetMode) {
		log.Printf("control: ignoring %s before start", in)
		return
	}
	switch in.Kind {
	case IntentStop:
		l.requestStop(ReasonRequested, false)
	case IntentPause:
		l.requestStop(ReasonPaused, true)
	case IntentHandover:
		l.requestStop(ReasonHandover, true)
	case IntentAdjust:
		if l.phase == PhaseStopping {
			log.Printf("control: ignoring adjust while stopping")
			return
		}
		l.adjust(in.Current)
	case IntentSetMode:
		l.switchMode(in.Mode)
	}
}

func (l *Loop) requestStop(reason StopReason, skipRamp bool) {
	if !l.stopRequested {
		l.stopRequested = true
		l.reason = reason
		log.Printf("control: stop requested (%s)", reason)
	}
	if skipRamp {
		// pause and handover overrule an in-progress ramp
		l.skipRamp = true
		l.reason = reason
	}
}

func (l *Loop) adjust(target float64) {
	if target < 0 {
		target = 0
	}
	if l.cfg.CurrentLimit > 0 && target > l.cfg.CurrentLimit {
		log.Printf("control: adjust target %.3f capped at %.3f", target, l.cfg.CurrentLimit)
		target = l.cfg.CurrentLimit
	}
	l.adjusting = true
	l.adjustTarget = target
	l.reachedSent = false
	if l.phase != PhaseManual {
		log.Printf("control: manual override from %s", l.phase)
		l.phase = PhaseManual
	}
	log.Printf("control: current adjustment requested to %.3f A", target)
}

func (l *Loop) switchMode(m Mode) {
	if l.phase == PhaseStopping {
		return
	}
	switch m {
	case ModeManual:
		l.adjusting = false
		l.phase = PhaseManual
	case ModeAI, ModeLadder:
		if l.cfg.Profile == nil || l.cfg.HeatingTime == 0 {
			log.Printf("control: cannot switch to %s without a temperature profile", m)
			return
		}
		if m == ModeAI && l.pred == nil {
			log.Printf("control: cannot switch to ai without a predictor")
			return
		}
		l.adjusting = false
		l.failedReads = 0
		l.phase = phaseFor(m)
	case ModeRecovery:
		l.requestStop(ReasonRecovery, false)
		return
	}
	log.Printf("control: switched to %s at %.3f A", l.phase, l.current)
}

// Tick runs one control period at time now.
func (l *Loop) Tick(now time.Time) {
	if l.phase == PhaseIdle || l.phase == PhaseDone {
		return
	}
	timer := prometheus.NewTimer(metrics.TickLatency)
	defer timer.ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("control: tick %d panic: %v", l.tick, r)
			l.recoverFault()
		}
	}()

	l.tick++
	l.tickTime = now
	metrics.TicksTotal.WithLabelValues(l.phase.String()).Inc()

	if l.stopRequested && l.phase != PhaseStopping {
		l.phase = PhaseStopping
	}
	if l.phase == PhaseStopping {
		temp, src := l.pollSensor(now)
		l.stopping(now, temp, src)
		return
	}

	l.measureVoltage()
	temp, src := l.pollSensor(now)

	switch l.phase {
	case PhaseManual:
		l.manualTick(now)
	case PhaseAI:
		l.aiTick(now, temp, src)
	case PhaseLadder:
		l.ladderTick(now)
	}

	if l.instErrors >= l.cfg.InstrumentErrorLimit && !l.stopRequested {
		log.Printf("control: %d consecutive instrument errors, connection lost", l.instErrors)
		l.warn(WarnConnectionLost)
		l.requestStop(ReasonConnectionLost, false)
	}

	l.checkResistance()
	l.publish(now, temp, src)

	if l.stopRequested {
		l.phase = PhaseStopping
		l.stopping(now, temp, SourceNone)
	}
}

func (l *Loop) measureVoltage() {
	if (l.tick-1)%l.cfg.VoltageEvery != 0 {
		l.voltage = instrument.Unmeasured
		return
	}
	v, err := l.inst.ReadVoltage()
	if err != nil {
		l.instrumentError("read_voltage", err)
		l.voltage = instrument.Unmeasured
		return
	}
	l.instErrors = 0
	l.voltage = instrument.Value(v)
}

// pollSensor reads and filters one sample. On dropout it returns an
// extrapolated temperature when a trusted sample exists.
func (l *Loop) pollSensor(now time.Time) (float64, Source) {
	var trusted float64
	var ok bool
	if raw, got := l.sensor.Read(); got {
		trusted, ok = l.filter.Observe(raw)
	}

	if ok {
		l.failedReads = 0
		if l.haveTemp {
			if dt := now.Sub(l.lastTs).Seconds(); dt > 0 {
				l.rate = (trusted - l.lastTemp) / dt
			}
		}
		l.lastTemp = trusted
		l.lastTs = now
		l.haveTemp = true
		metrics.SensorTemperature.Set(trusted)
		return trusted, SourceTrusted
	}

	l.failedReads++
	metrics.SensorFailedReads.Inc()
	if !l.haveTemp {
		return 0, SourceNone
	}
	return l.lastTemp + l.rate*now.Sub(l.lastTs).Seconds(), SourceVirtual
}

func (l *Loop) manualTick(now time.Time) {
	l.startHeating(now)
	if l.heatingDone(now) {
		return
	}
	if !l.adjusting {
		return
	}
	next, reached := limit.Step(l.adjustTarget, l.current, l.cfg.MaxChangeRate)
	if next != l.current {
		l.set(next)
	}
	if reached && !l.reachedSent {
		l.reachedSent = true
		log.Printf("control: current reached %.3f A", next)
		l.warn(WarnCurrentReached)
	}
}

func (l *Loop) aiTick(now time.Time, temp float64, src Source) {
	if src != SourceNone && !l.heatingStarted &&
		ToExternal(temp) >= l.cfg.Profile.Setpoint-ApproachBand {
		l.startHeating(now)
	}
	if l.heatingDone(now) {
		return
	}

	if src != SourceNone {
		pred := l.pred.Predict(temp, l.setpoint, l.cfg.Profile.HeatingRate)
		if limit.Limited(pred, l.current, l.cfg.MaxChangeRate) {
			metrics.RateLimitedTotal.Inc()
		}
		next := limit.Limit(pred, l.current, l.cfg.MaxChangeRate, limit.Bounds{Lo: 0, Hi: l.cfg.MaxCurrent})
		l.set(next)
	}

	if src != SourceTrusted && l.failedReads >= l.cfg.DropoutLimit {
		log.Printf("control: %d consecutive failed reads, switching to manual control", l.failedReads)
		metrics.ForcedManualTotal.Inc()
		l.adjust(l.current)
		l.warn(WarnSensorFailure)
		l.failedReads = 0
	}
}

func (l *Loop) ladderTick(now time.Time) {
	if l.current < l.cfg.MaxCurrent {
		l.set(math.Min(l.current+l.cfg.LadderStep, l.cfg.MaxCurrent))
	}
	if l.current >= l.cfg.MaxCurrent {
		l.startHeating(now)
	}
	l.heatingDone(now)
}

func (l *Loop) startHeating(now time.Time) {
	if l.heatingStarted {
		return
	}
	l.heatingStarted = true
	l.heatingStart = now
	log.Printf("control: heating timer started")
}

// heatingDone requests a stop once the heating duration has elapsed.
func (l *Loop) heatingDone(now time.Time) bool {
	if !l.heatingStarted {
		return false
	}
	l.heatingElapsed = now.Sub(l.heatingStart)
	if l.cfg.HeatingTime <= 0 || l.heatingElapsed < l.cfg.HeatingTime {
		return false
	}
	log.Printf("control: heating duration %s reached, stopping", l.cfg.HeatingTime)
	l.warn(WarnHeatingComplete)
	l.requestStop(ReasonHeatingComplete, false)
	return true
}

// stopping ramps down one step per tick, then turns the output off. The
// ramp is recorded with the tick's reading; src is SourceNone when the
// reading was already recorded this tick.
func (l *Loop) stopping(now time.Time, temp float64, src Source) {
	if l.skipRamp {
		log.Printf("control: leaving output at %.3f A (%s)", l.current, l.reason)
		l.finish(now)
		return
	}
	if l.instErrors >= l.cfg.InstrumentErrorLimit {
		l.stopOutput()
		l.finish(now)
		return
	}
	if l.current > 0 {
		l.set(math.Max(l.current-2*l.cfg.MaxChangeRate, 0))
		if src == SourceNone {
			temp = l.lastTemp
		}
		l.publish(now, temp, src)
		return
	}
	l.stopOutput()
	l.finish(now)
}

func (l *Loop) stopOutput() {
	if err := l.inst.StopOutput(); err != nil {
		l.instrumentError("stop_output", err)
		return
	}
	l.instErrors = 0
	l.outputOff = true
	log.Printf("control: output off")
}

func (l *Loop) finish(now time.Time) {
	l.phase = PhaseDone
	l.end = now
	l.closeRecorder()
	l.display.Update(l.reading(now, l.lastTemp, SourceNone))
}

func (l *Loop) closeRecorder() {
	if l.recClosed {
		return
	}
	l.recClosed = true
	if err := l.rec.Close(); err != nil {
		log.Printf("control: close data log: %v", err)
	}
}

// recoverFault forces the run toward a safe stop after a panic.
func (l *Loop) recoverFault() {
	if l.phase == PhaseStopping {
		// A failing ramp cannot be retried safely; cut the output.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("control: stop output panic: %v", r)
				}
			}()
			l.stopOutput()
		}()
		l.finish(l.tickTime)
		return
	}
	l.requestStop(ReasonFault, false)
	l.phase = PhaseStopping
}

func (l *Loop) set(current float64) {
	if err := l.inst.Set(l.cfg.Voltage, current); err != nil {
		l.instrumentError("set", err)
		return
	}
	l.instErrors = 0
	l.current = current
	metrics.ActuationCurrent.Set(current)
}

func (l *Loop) instrumentError(op string, err error) {
	metrics.InstrumentErrors.WithLabelValues(op).Inc()
	l.instErrors++
	log.Printf("control: instrument %s: %v (%d consecutive)", op, err, l.instErrors)
	if l.instErrors == 1 {
		l.warn(WarnInstrument)
	}
}

func (l *Loop) checkResistance() {
	v, ok := l.voltage.Get()
	if !ok || l.current == 0 || l.resistWarned {
		return
	}
	if r := v / l.current; r > l.cfg.ResistanceLimit {
		l.resistWarned = true
		log.Printf("control: load resistance %.1f ohm above %.1f", r, l.cfg.ResistanceLimit)
		l.warn(WarnResistance)
	}
}

func (l *Loop) warn(w Warning) {
	l.warnings = append(l.warnings, w)
	metrics.WarningsTotal.WithLabelValues(w.String()).Inc()
	l.display.NotifyWarning(w)
}

func (l *Loop) reading(now time.Time, temp float64, src Source) Reading {
	r := Reading{
		Time:           now,
		Tick:           l.tick,
		Phase:          l.phase,
		Source:         src,
		SensorSetpoint: l.setpoint,
		Current:        l.current,
		Voltage:        l.voltage,
		HeatingStarted: l.heatingStarted,
		HeatingElapsed: l.heatingElapsed,
		FailedReads:    l.failedReads,
	}
	if src != SourceNone {
		r.Sensor = temp
		r.Actual = ToExternal(temp)
	}
	return r
}

func (l *Loop) publish(now time.Time, temp float64, src Source) {
	l.display.Update(l.reading(now, temp, src))
	if src == SourceNone {
		return
	}
	rec := Record{
		Time:        now,
		Phase:       l.phase,
		Source:      src,
		Temperature: temp,
		Actual:      ToExternal(temp),
		Output:      l.current,
		Voltage:     l.voltage,
	}
	if err := l.rec.Append(rec); err != nil {
		log.Printf("control: data log: %v", err)
	}
}

// Result summarizes the run. Valid once Done.
func (l *Loop) Result() Result {
	return Result{
		Mode:           l.mode,
		Reason:         l.reason,
		Start:          l.start,
		End:            l.end,
		Ticks:          l.tick,
		FinalCurrent:   l.current,
		OutputOff:      l.outputOff,
		HeatingStarted: l.heatingStarted,
		HeatingElapsed: l.heatingElapsed,
		Warnings:       append([]Warning(nil), l.warnings...),
	}
}

// Run starts the loop and ticks it until the run ends. Intents are applied
// as they arrive and drained before each tick. Cancelling ctx is a Stop;
// the ramp-down still needs ticks. Closing ticks cuts the output at once.
func (l *Loop) Run(ctx context.Context, ticks <-chan time.Time, intents <-chan Intent) (Result, error) {
	if err := l.Start(l.now()); err != nil {
		return l.Result(), err
	}

	done := ctx.Done()
	for !l.Done() {
		select {
		case <-done:
			done = nil
			if !l.stopRequested {
				l.requestStop(ReasonCanceled, false)
			}
		case in := <-intents:
			l.Apply(in)
		case t, ok := <-ticks:
			if !ok {
				log.Printf("control: tick source closed, cutting output")
				l.stopOutput()
				l.requestStop(ReasonCanceled, false)
				l.finish(l.now())
				break
			}
			l.drain(intents)
			if ctx.Err() != nil && !l.stopRequested {
				l.requestStop(ReasonCanceled, false)
			}
			l.Tick(t)
		}
	}
	return l.Result(), nil
}

func (l *Loop) drain(intents <-chan Intent) {
	for {
		select {
		case in := <-intents:
			l.Apply(in)
		default:
			return
		}
	}
}
