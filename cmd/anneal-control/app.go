package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/anneal-control/internal/config"
	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/datalog"
	"github.com/sweeney/anneal-control/internal/gpio"
	"github.com/sweeney/anneal-control/internal/history"
	"github.com/sweeney/anneal-control/internal/instrument"
	"github.com/sweeney/anneal-control/internal/mqtt"
	"github.com/sweeney/anneal-control/internal/predictor"
	"github.com/sweeney/anneal-control/internal/sensor"
	"github.com/sweeney/anneal-control/internal/status"
	"github.com/sweeney/anneal-control/internal/web"
)

// ErrInterlockTripped refuses a run while the interlock line is active.
var ErrInterlockTripped = errors.New("interlock tripped")

// app owns the hardware and the long-lived services shared by every run.
type app struct {
	cfg *config.Config

	inst   instrument.Instrument
	sensor sensor.Reader
	pred   control.Predictor

	tracker   *status.Tracker
	mailbox   *control.Mailbox
	displays  control.Displays
	publisher mqtt.Publisher
	history   *history.Store
	interlock *gpio.Interlock

	now func() time.Time
}

// openHardware connects the supply and the sensor.
func openHardware(cfg *config.Config) (*app, error) {
	if cfg.Daemon.Instrument == "" {
		return nil, errors.New("no instrument address configured")
	}
	inst, err := instrument.Open(cfg.Daemon.Instrument, cfg.Daemon.InstrumentTimeout)
	if err != nil {
		return nil, fmt.Errorf("open instrument: %w", err)
	}
	sr, err := sensor.Open(cfg.Daemon.Sensor, cfg.Daemon.SensorBaud)
	if err != nil {
		inst.Close()
		return nil, fmt.Errorf("open sensor: %w", err)
	}
	return newApp(cfg, inst, sr), nil
}

func newApp(cfg *config.Config, inst instrument.Instrument, sr sensor.Reader) *app {
	a := &app{
		cfg:     cfg,
		inst:    inst,
		sensor:  sr,
		mailbox: control.NewMailbox(0),
		now:     time.Now,
	}
	a.tracker = status.NewTracker(a.now(), status.Config{
		HeartbeatMs: cfg.Daemon.Heartbeat.Milliseconds(),
		Broker:      cfg.Daemon.Broker,
		HTTPAddr:    cfg.Daemon.HTTPAddr,
		Instrument:  cfg.Daemon.Instrument,
		Sensor:      cfg.Daemon.Sensor,
	})
	a.displays = control.Displays{a.tracker}
	return a
}

func (a *app) closeHardware() {
	if err := a.sensor.Close(); err != nil {
		log.Printf("sensor: close: %v", err)
	}
	if err := a.inst.Close(); err != nil {
		log.Printf("instrument: close: %v", err)
	}
}

// predictorFor loads the model the first time an automatic run needs it.
func (a *app) predictorFor(cc control.Config) (control.Predictor, error) {
	if a.pred != nil || control.SelectMode(cc) != control.ModeAI {
		return a.pred, nil
	}
	d := a.cfg.Daemon
	pctx, err := predictor.LoadContext(d.Model, d.InputScaler, d.OutputScaler)
	if err != nil {
		return nil, fmt.Errorf("load predictor: %w", err)
	}
	a.pred = predictor.New(pctx)
	log.Printf("predictor: loaded %s", d.Model)
	return a.pred, nil
}

// recorder opens the per-run data logs. Recovery runs keep no log.
func (a *app) recorder(cc control.Config, campaign bool, now time.Time) (control.Recorder, string, error) {
	if cc.Recovery {
		return nil, "", nil
	}
	var setpoint, rate float64
	if cc.Profile != nil {
		setpoint, rate = cc.Profile.Setpoint, cc.Profile.HeatingRate
	}
	header := datalog.RunHeader(setpoint, rate, campaign)

	csvLog, path, err := datalog.CreateCSVLog(a.cfg.Daemon.LogDir, "temperature", header, now)
	if err != nil {
		return nil, "", err
	}
	if cc.Profile == nil || a.cfg.Daemon.AILog == "" {
		return csvLog, path, nil
	}
	// The AI log is kept in the sensor domain.
	aiHeader := datalog.RunHeader(cc.Profile.SensorSetpoint(), rate, campaign)
	aiLog, err := datalog.OpenAILog(a.cfg.Daemon.AILog, aiHeader)
	if err != nil {
		csvLog.Close()
		return nil, "", err
	}
	return datalog.Multi{csvLog, aiLog}, path, nil
}

// execute performs one run to completion and archives it.
func (a *app) execute(ctx context.Context, cc control.Config, campaign bool) (control.Result, error) {
	if a.interlock != nil && a.interlock.Tripped() && !cc.Recovery {
		return control.Result{}, ErrInterlockTripped
	}
	if n := a.mailbox.Discard(); n > 0 {
		log.Printf("control: discarded %d stale intents", n)
	}

	pred, err := a.predictorFor(cc)
	if err != nil {
		return control.Result{}, err
	}
	start := a.now()
	rec, logPath, err := a.recorder(cc, campaign, start)
	if err != nil {
		return control.Result{}, err
	}
	loop, err := control.New(cc, control.Deps{
		Instrument: a.inst,
		Sensor:     a.sensor,
		Predictor:  pred,
		Display:    a.displays,
		Recorder:   rec,
		Now:        a.now,
	})
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return control.Result{}, err
	}

	id := history.NewRunID()
	a.tracker.BeginRun(id, cc, start)
	a.publishEvent("RUN_START", loop.Mode().String())
	log.Printf("run %s: starting in %s mode", id, loop.Mode())

	ticker := time.NewTicker(a.cfg.TickInterval())
	res, runErr := loop.Run(ctx, ticker.C, a.mailbox.C())
	ticker.Stop()

	a.tracker.EndRun(res)
	a.publishEvent("RUN_END", res.Reason.String())
	log.Printf("run %s: %s after %d ticks, output off=%v", id, res.Reason, res.Ticks, res.OutputOff)

	if a.history != nil {
		s := history.Summarize(id, cc, res)
		s.Campaign = campaign
		s.LogPath = logPath
		if err := a.history.Save(s); err != nil {
			log.Printf("history: %v", err)
		}
	}
	return res, runErr
}

// publishEvent sends a system event carrying the current status snapshot.
func (a *app) publishEvent(event, reason string) {
	if a.publisher == nil {
		return
	}
	snap := a.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event == "STARTUP" || event == "SHUTDOWN",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := a.publisher.PublishSystem(ev); err != nil {
		log.Printf("mqtt: publish %s: %v", event, err)
	}
}

// heartbeat publishes a status snapshot every interval until ctx is done.
func (a *app) heartbeat(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.publishEvent("HEARTBEAT", "")
		}
	}
}

// services starts MQTT, HTTP, the interlock and the heartbeat in g.
func (a *app) services(ctx context.Context, g *errgroup.Group) error {
	d := a.cfg.Daemon

	if d.HistoryDir != "" {
		st, err := history.Open(d.HistoryDir)
		if err != nil {
			return err
		}
		a.history = st
	} else {
		st, err := history.OpenInMemory()
		if err != nil {
			return err
		}
		a.history = st
	}

	if d.Broker != "" {
		host, _ := os.Hostname()
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:             d.Broker,
			ClientID:           "anneal-control-" + host,
			OnConnectionChange: a.tracker.SetMQTTConnected,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		a.attachPublisher(ctx, g, pub)
	}

	if d.Interlock.Enabled {
		r, err := gpio.NewRealReader(d.Interlock.Chip, d.Interlock.Pin, d.Interlock.ActiveLow)
		if err != nil {
			return fmt.Errorf("init interlock: %w", err)
		}
		a.interlock = gpio.NewInterlock(r, a.mailbox, 0, d.Interlock.Debounce)
		g.Go(func() error {
			defer r.Close()
			return a.interlock.Watch(ctx)
		})
		log.Printf("gpio: interlock on %s line %d", d.Interlock.Chip, d.Interlock.Pin)
	}

	if d.HTTPAddr != "" {
		srv := web.New(web.Options{
			Addr:      d.HTTPAddr,
			Tracker:   a.tracker,
			Control:   a.mailbox,
			Runs:      a.history,
			AccessLog: os.Stderr,
		})
		g.Go(func() error {
			log.Printf("http: listening on %s", d.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.publisher != nil && d.Heartbeat > 0 {
		g.Go(func() error { return a.heartbeat(ctx, d.Heartbeat) })
	}
	return nil
}

// attachPublisher routes live readings and warnings to pub.
func (a *app) attachPublisher(ctx context.Context, g *errgroup.Group, pub mqtt.Publisher) {
	a.publisher = pub
	rep := mqtt.NewReporter(pub, mqtt.DefaultQueueSize)
	a.displays = append(a.displays, rep)
	g.Go(func() error { return rep.Run(ctx) })
}

func (a *app) closeServices() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Printf("mqtt: close: %v", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Printf("history: close: %v", err)
		}
	}
}

// serve opens the hardware, starts the services, runs work and shuts down.
// A signal cancels work, which ramps the output down before returning.
func serve(parent context.Context, cfg *config.Config, work func(ctx context.Context, a *app) error) error {
	a, err := openHardware(cfg)
	if err != nil {
		return err
	}
	defer a.closeHardware()
	return a.serve(parent, work)
}

func (a *app) serve(parent context.Context, work func(ctx context.Context, a *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, reason, stop := signalContext(parent)
	defer stop()

	svcCtx, cancelSvc := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(svcCtx)
	defer a.closeServices()
	if err := a.services(gctx, g); err != nil {
		cancelSvc()
		g.Wait()
		return err
	}

	// A failing service ends the work too.
	workCtx, cancelWork := context.WithCancel(ctx)
	unlink := context.AfterFunc(gctx, cancelWork)

	a.publishEvent("STARTUP", "")
	log.Printf("started: instrument=%s broker=%s http=%s", a.cfg.Daemon.Instrument, a.cfg.Daemon.Broker, a.cfg.Daemon.HTTPAddr)

	workErr := work(workCtx, a)
	unlink()
	cancelWork()

	why := reason()
	if why == "" {
		why = "COMPLETE"
	}
	a.publishEvent("SHUTDOWN", why)

	cancelSvc()
	svcErr := g.Wait()
	if errors.Is(workErr, context.Canceled) && why != "COMPLETE" {
		workErr = nil
	}
	return errors.Join(workErr, svcErr)
}
