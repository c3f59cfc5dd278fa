package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/plugin"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/physics"
	"github.com/signalsfoundry/worldsim/timectrl"
)

type options struct {
	worldFile string
	duration  time.Duration
	tick      time.Duration
	report    time.Duration
	epoch     time.Time
	pluginDir string
}

// summary describes a finished run.
type summary struct {
	Ticks   int
	SimTime time.Duration
	Models  int
	Poses   map[string]model.Pose
}

func main() {
	worldFile := flag.String("world", "worlds/demo.yaml", "YAML world description to simulate")
	duration := flag.Duration("duration", 60*time.Second, "total simulated duration")
	tick := flag.Duration("tick", 100*time.Millisecond, "simulation step")
	report := flag.Duration("report", time.Second, "print model poses every this much sim time (0 disables)")
	epoch := flag.String("epoch", "", "RFC 3339 instant of sim time zero for orbital models (default now)")
	pluginDir := flag.String("plugins", "", "directory of Lua plugins to load")
	flag.Parse()

	opts := options{
		worldFile: *worldFile,
		duration:  *duration,
		tick:      *tick,
		report:    *report,
		epoch:     time.Now().UTC(),
		pluginDir: *pluginDir,
	}
	if *epoch != "" {
		t, err := time.Parse(time.RFC3339, *epoch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -epoch: %v\n", err)
			os.Exit(2)
		}
		opts.epoch = t.UTC()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := simulate(ctx, opts, os.Stdout, logging.NewFromEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
}

// simulate ticks the world headlessly until opts.duration of sim time has
// elapsed, as fast as the host allows.
func simulate(ctx context.Context, opts options, out io.Writer, log logging.Logger) (*summary, error) {
	if opts.duration <= 0 || opts.tick <= 0 {
		return nil, errors.New("duration and tick must be positive")
	}
	desc, err := loader.LoadWorldFile(opts.worldFile)
	if err != nil {
		return nil, err
	}

	cfg := world.Config{
		Name:             desc.Name,
		Tick:             opts.tick,
		Mode:             timectrl.Accelerated,
		SnapshotInterval: opts.tick,
	}
	w := world.New(cfg,
		world.WithLogger(log),
		world.WithParser(loader.Parser{}),
		world.WithPhysics(physics.NewKinematicEngine(opts.epoch)),
	)
	defer func() { _ = w.Fini(context.Background()) }()

	if err := w.Load(desc); err != nil {
		return nil, err
	}
	if err := w.Init(ctx); err != nil {
		return nil, err
	}
	if opts.pluginDir != "" {
		host := plugin.New(w, plugin.WithLogger(log))
		defer host.Close()
		if _, err := host.LoadDir(opts.pluginDir); err != nil {
			return nil, err
		}
	}

	var nextReport time.Duration
	if opts.report > 0 {
		w.AddUpdateListener(func(simTime time.Duration) {
			if simTime < nextReport {
				return
			}
			nextReport = simTime + opts.report
			printPoses(out, simTime, w.Models())
		})
	}

	fmt.Fprintf(out, "Starting simulation of %q: duration=%s, tick=%s, models=%d\n",
		w.Name(), opts.duration, opts.tick, w.ModelCount())

	res := &summary{}
	for w.SimTime() < opts.duration {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := w.Tick(ctx); err != nil {
			return nil, err
		}
		res.Ticks++
	}

	res.SimTime = w.SimTime()
	res.Models = w.ModelCount()
	res.Poses = make(map[string]model.Pose, res.Models)
	for _, m := range w.Models() {
		res.Poses[m.Name()] = m.Pose()
	}

	info := w.HistoryWindow()
	fmt.Fprintf(out, "Simulation complete: %d ticks, sim time %s, %d snapshots [%s, %s]\n",
		res.Ticks, res.SimTime, info.Len, info.Oldest, info.Newest)
	if err := w.PrintEntityTree(out); err != nil {
		return nil, err
	}
	return res, nil
}

func printPoses(out io.Writer, simTime time.Duration, models []*kb.Entity) {
	fmt.Fprintf(out, "[%s]", simTime)
	for _, m := range models {
		p := m.Pose().Position
		fmt.Fprintf(out, " %s @ (%.2f, %.2f, %.2f)", m.Name(), p.X, p.Y, p.Z)
	}
	fmt.Fprintln(out)
}
