package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/worldsim/internal/config"
	"github.com/signalsfoundry/worldsim/internal/control"
	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/observability"
	"github.com/signalsfoundry/worldsim/internal/plugin"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
	"github.com/signalsfoundry/worldsim/physics"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	configPath := flag.String("config", "", "Path to a TOML config file (defaults are used when empty)")
	grpcAddr := flag.String("grpc-addr", "", "Override server.grpc_addr")
	metricsAddr := flag.String("metrics-addr", "", "Override server.metrics_addr")
	worldFile := flag.String("world", "", "Override world.file (YAML world description)")
	pluginDir := flag.String("plugins", "", "Enable Lua plugins from this directory")
	profileMode := flag.String("profile", "", "Enable profiling: cpu, mem, mutex, block, goroutine or trace")
	profileDir := flag.String("profile-dir", ".", "Directory for profile output")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldsim: %v\n", err)
		return 2
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *worldFile != "" {
		cfg.World.File = *worldFile
	}
	if *pluginDir != "" {
		cfg.Plugins.Enabled = true
		cfg.Plugins.Dir = *pluginDir
	}

	log := logging.New(cfg.LoggingParams())
	ctx := context.Background()

	prof, err := startProfile(*profileMode, *profileDir)
	if err != nil {
		log.Error(ctx, "invalid profile mode", logging.Err(err))
		return 2
	}
	if prof != nil {
		defer prof.Stop()
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
		return 1
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(runCtx, cfg, log, lis); err != nil {
		log.Error(ctx, "worldsim exited", logging.Err(err))
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// run serves the world on lis until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingParams(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("init sim metrics: %w", err)
	}
	rpcMetrics, err := observability.NewControlCollector(reg)
	if err != nil {
		return fmt.Errorf("init control metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, rpcMetrics.Handler(), log)

	engine, err := newEngine(cfg.Physics)
	if err != nil {
		return err
	}
	w := world.New(cfg.WorldParams(),
		world.WithLogger(log),
		world.WithPhysics(engine),
		world.WithParser(loader.Parser{}),
		world.WithMetricsRecorder(simMetrics),
	)

	if cfg.World.File != "" {
		desc, err := loader.LoadWorldFile(cfg.World.File)
		if err != nil {
			return err
		}
		if err := w.Load(desc); err != nil {
			return err
		}
	}
	if err := w.Init(ctx); err != nil {
		return fmt.Errorf("init world: %w", err)
	}

	if cfg.Plugins.Enabled {
		host := plugin.New(w, plugin.WithLogger(log))
		defer host.Close()
		n, err := host.LoadDir(cfg.Plugins.Dir)
		if err != nil {
			return err
		}
		log.Info(ctx, "plugins loaded", logging.String("dir", cfg.Plugins.Dir), logging.Int("count", n))
	}

	sceneDone := make(chan struct{})
	go func() {
		defer close(sceneDone)
		consumeScene(ctx, w.SceneUpdates(), log)
	}()

	if err := w.Start(ctx); err != nil {
		_ = w.Fini(context.Background())
		<-sceneDone
		return fmt.Errorf("start world: %w", err)
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			control.RequestIDUnaryServerInterceptor(log),
			control.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	control.RegisterWorldControlServer(server, control.NewServer(w, log))

	serveErr := make(chan error, 1)
	log.Info(ctx, "starting control gRPC server", logging.String("addr", lis.Addr().String()))
	go func() {
		serveErr <- server.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("grpc server: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down worldsim")
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := w.Fini(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stop world: %w", err)
	}
	<-sceneDone
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func newEngine(cfg config.PhysicsConfig) (physics.Engine, error) {
	switch strings.ToLower(cfg.Engine) {
	case "none":
		return physics.NopEngine{}, nil
	default:
		epoch, err := cfg.EpochTime()
		if err != nil {
			return nil, err
		}
		if epoch.IsZero() {
			epoch = time.Now().UTC()
		}
		return physics.NewKinematicEngine(epoch), nil
	}
}

// consumeScene drains scene updates until the world closes the channel.
func consumeScene(ctx context.Context, updates <-chan world.SceneUpdate, log logging.Logger) {
	for u := range updates {
		for _, e := range u.Removed {
			log.Debug(ctx, "scene entity removed", logging.String("entity", e.ScopedName()), logging.Duration("sim_time", u.SimTime))
		}
		for _, e := range u.Created {
			log.Debug(ctx, "scene entity created", logging.String("entity", e.ScopedName()), logging.Duration("sim_time", u.SimTime))
		}
	}
}

func serveMetrics(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if addr == "" || handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func startProfile(mode, dir string) (interface{ Stop() }, error) {
	var opt func(*profile.Profile)
	switch strings.ToLower(mode) {
	case "":
		return nil, nil
	case "cpu":
		opt = profile.CPUProfile
	case "mem":
		opt = profile.MemProfileAllocs
	case "mutex":
		opt = profile.MutexProfile
	case "block":
		opt = profile.BlockProfile
	case "goroutine":
		opt = profile.GoroutineProfile
	case "trace":
		opt = profile.TraceProfile
	default:
		return nil, fmt.Errorf("unknown profile mode %q", mode)
	}
	return profile.Start(opt, profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet), nil
}
