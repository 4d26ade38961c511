// Command anneal-control drives a programmable power supply to heat a sample
// along a temperature profile, with live status over HTTP and MQTT.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/anneal-control/internal/campaign"
	"github.com/sweeney/anneal-control/internal/config"
	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/history"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// flags holds command-line overrides. Only flags the user set are applied.
type flags struct {
	configPath string

	voltage     float64
	current     float64
	temperature float64
	heatingTime float64
	heatingRate float64

	instrument string
	sensor     string
	broker     string
	httpAddr   string
	historyDir string
}

func newRootCmd() *cobra.Command {
	return buildRoot(&flags{})
}

func buildRoot(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "anneal-control",
		Short:         "Closed-loop annealing furnace controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.StringVar(&f.instrument, "instrument", "", "power supply address (host:port or device path)")
	pf.StringVar(&f.sensor, "sensor", "", "temperature sensor device (empty searches /dev/serial/by-id)")
	pf.StringVar(&f.broker, "broker", "", `MQTT broker address ("off" disables)`)
	pf.StringVar(&f.httpAddr, "http", "", `HTTP status address ("off" disables)`)
	pf.StringVar(&f.historyDir, "history", "", "run history directory")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one heating profile, or a manual run when the profile is incomplete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			cc, err := cfg.ToControl()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				_, err := a.execute(ctx, cc, false)
				return err
			})
		},
	}
	rf := runCmd.Flags()
	rf.Float64Var(&f.voltage, "voltage", control.DefaultVoltage, "voltage limit (V)")
	rf.Float64Var(&f.current, "current", 0, "maximum current (A)")
	rf.Float64Var(&f.temperature, "temperature", 0, "setpoint (°C)")
	rf.Float64Var(&f.heatingTime, "time", 0, "heating time (s)")
	rf.Float64Var(&f.heatingRate, "heating-rate", config.DefaultHeatingRate, "heating rate (°C/s)")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Ramp the supply down from its present current and turn the output off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			cc, err := recoveryConfig(cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				_, err := a.execute(ctx, cc, false)
				return err
			})
		},
	}

	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Sweep the configured setpoints, one automatic run each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				return runCampaign(ctx, cfg, a)
			})
		},
	}

	printCmd := &cobra.Command{
		Use:   "print-state",
		Short: "Read the sensor and supply once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			a, err := openHardware(cfg)
			if err != nil {
				return err
			}
			defer a.closeHardware()
			return printState(cmd.OutOrStdout(), a)
		},
	}

	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List archived runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if cfg.Daemon.HistoryDir == "" {
				return fmt.Errorf("no history directory configured")
			}
			st, err := history.Open(cfg.Daemon.HistoryDir)
			if err != nil {
				return err
			}
			defer st.Close()
			if len(args) == 1 {
				s, err := st.Get(args[0])
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), []history.RunSummary{s})
			}
			runs, err := st.List(limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	runsCmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	root.AddCommand(runCmd, recoverCmd, campaignCmd, printCmd, runsCmd)
	return root
}

// loadConfig reads the config file, if any, and applies the flags the user set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	cfg.Run.Merge(runOverrides(cmd, f))

	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			if v == "off" {
				v = ""
			}
			*dst = v
		}
	}
	set("instrument", &cfg.Daemon.Instrument, f.instrument)
	set("sensor", &cfg.Daemon.Sensor, f.sensor)
	set("broker", &cfg.Daemon.Broker, f.broker)
	set("http", &cfg.Daemon.HTTPAddr, f.httpAddr)
	set("history", &cfg.Daemon.HistoryDir, f.historyDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runOverrides(cmd *cobra.Command, f *flags) config.Run {
	var r config.Run
	pick := func(name string, v float64) *float64 {
		if cmd.Flags().Lookup(name) == nil || !cmd.Flags().Changed(name) {
			return nil
		}
		return &v
	}
	r.Voltage = pick("voltage", f.voltage)
	r.MaxCurrent = pick("current", f.current)
	r.Setpoint = pick("temperature", f.temperature)
	r.HeatingTime = pick("time", f.heatingTime)
	r.HeatingRate = pick("heating-rate", f.heatingRate)
	return r
}

func recoveryConfig(cfg *config.Config) (control.Config, error) {
	c := *cfg
	c.Run = config.Run{Voltage: cfg.Run.Voltage}
	cc, err := c.ToControl()
	if err != nil {
		return control.Config{}, err
	}
	cc.Recovery = true
	return cc, nil
}

// signalContext is cancelled on SIGINT or SIGTERM. reason returns the
// signal name once one has arrived.
func signalContext(parent context.Context) (ctx context.Context, reason func() string, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var mu sync.Mutex
	var name string
	go func() {
		select {
		case s := <-sigCh:
			log.Printf("received %v, stopping", s)
			mu.Lock()
			name = signalName(s)
			mu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()
	reason = func() string {
		mu.Lock()
		defer mu.Unlock()
		return name
	}
	stop = func() {
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, reason, stop
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func runCampaign(ctx context.Context, cfg *config.Config, a *app) error {
	cp := cfg.Campaign
	c, err := campaign.New(campaign.Plan{
		Setpoints:    campaign.Setpoints(cp.Start, cp.Stop, cp.Step),
		HeatingRates: cp.HeatingRates,
		RunTimeout:   cp.RunTimeout,
		Cooldown:     cp.Cooldown,
		FailCooldown: cp.FailCooldown,
	}, &campaignRunner{app: a, cfg: cfg})
	if err != nil {
		return err
	}
	results, err := c.Run(ctx)
	for _, pr := range results {
		log.Printf("campaign: %s: %s", pr.Point, pr.Outcome)
	}
	return err
}

// campaignRunner runs campaign points through the app.
type campaignRunner struct {
	app *app
	cfg *config.Config
}

func (r *campaignRunner) RunPoint(ctx context.Context, p campaign.Point) (control.Result, error) {
	cp := r.cfg.Campaign
	c := *r.cfg
	voltage, current := cp.Voltage, cp.MaxCurrent
	setpoint, rate := p.Setpoint, p.HeatingRate
	secs := cp.HeatingTime.Seconds()
	c.Run = config.Run{
		Voltage:     &voltage,
		MaxCurrent:  &current,
		Setpoint:    &setpoint,
		HeatingRate: &rate,
		HeatingTime: &secs,
	}
	cc, err := c.ToControl()
	if err != nil {
		return control.Result{}, err
	}
	return r.app.execute(ctx, cc, true)
}

func (r *campaignRunner) Recover(ctx context.Context) (control.Result, error) {
	cc, err := recoveryConfig(r.cfg)
	if err != nil {
		return control.Result{}, err
	}
	return r.app.execute(ctx, cc, true)
}

func printState(w io.Writer, a *app) error {
	if v, ok := a.sensor.Read(); ok {
		fmt.Fprintf(w, "Temperature: %.2f °C (sensor %.2f)\n", control.ToExternal(v), v)
	} else {
		fmt.Fprintln(w, "Temperature: no reading")
	}
	v, err := a.inst.ReadVoltage()
	if err != nil {
		return fmt.Errorf("read voltage: %w", err)
	}
	c, err := a.inst.ReadCurrent()
	if err != nil {
		return fmt.Errorf("read current: %w", err)
	}
	fmt.Fprintf(w, "Voltage: %.3f V, Current: %.3f A\n", v, c)
	return nil
}

func printRuns(w io.Writer, runs []history.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART\tMODE\tSETPOINT\tREASON\tTICKS\tFINAL A")
	for _, r := range runs {
		sp := "-"
		if r.Setpoint != nil {
			sp = fmt.Sprintf("%g", *r.Setpoint)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.3f\n",
			r.ID, r.Start.Local().Format(time.DateTime), r.Mode, sp, r.Reason, r.Ticks, r.FinalCurrent)
	}
	return tw.Flush()
}
