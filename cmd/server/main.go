package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/config"
	"github.com/t77yq/taskfabric/internal/discovery"
	"github.com/t77yq/taskfabric/internal/executor"
	"github.com/t77yq/taskfabric/internal/handler"
	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
	"github.com/t77yq/taskfabric/internal/registry"
	"github.com/t77yq/taskfabric/internal/rpc"
	"github.com/t77yq/taskfabric/internal/scheduler"
	"github.com/t77yq/taskfabric/internal/service"
	"github.com/t77yq/taskfabric/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKFABRIC_CONFIG"), "path to the configuration file")
	runExamples := flag.Bool("examples", false, "submit the built-in example tasks after startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Log.Production {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Node.ID))
	if cfg.Offload.SharedSecret == "" {
		logger.Warn("offload.shared_secret is empty, any peer can run functions on this node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics("taskfabric")
	peers := registry.NewRegistry(cfg.Registry.MaxFailures, logger)

	reporter := monitor.NewLoadReporter(cfg.Node.ID, monitor.CPUSampler{}, cfg.Load.SampleInterval, metrics, logger)
	if err := reporter.Start(ctx); err != nil {
		logger.Fatal("Failed to start load reporter", zap.Error(err))
	}

	client := rpc.NewClient(cfg.Offload.SharedSecret, cfg.Offload.RPCTimeout, cfg.Offload.LoadQueryTimeout, logger)
	connectivity := discovery.NewConnectivityChecker(cfg.Connectivity.ProbeAddr, cfg.Connectivity.Timeout, logger)

	balancer := scheduler.NewLoadBalancer(cfg.Offload.CPUThreshold, cfg.Offload.LoadQueryTimeout, client, logger,
		scheduler.WithTracker(peers),
		scheduler.WithConnectivity(connectivity),
		scheduler.WithBalancerMetrics(metrics))

	// Create task history storage
	history, err := storage.NewSQLiteTaskHistory(logger, cfg.History.DBPath)
	if err != nil {
		logger.Fatal("Failed to create task history storage", zap.Error(err))
	}
	defer history.Close()

	functions := rpc.NewFunctionTable()
	exec := executor.NewDistributedExecutor(functions, reporter, peers, balancer, client, logger,
		executor.WithHistory(history),
		executor.WithMetrics(metrics),
		executor.WithTracker(peers))

	builtins, err := handler.RegisterBuiltins(exec, logger)
	if err != nil {
		logger.Fatal("Failed to register built-in tasks", zap.Error(err))
	}

	server := rpc.NewServer(rpc.ServerConfig{
		NodeID:       cfg.Node.ID,
		ListenAddr:   cfg.Node.ListenAddr,
		SharedSecret: cfg.Offload.SharedSecret,
		Project: model.ProjectInfo{
			ProjectName: cfg.Project.Name,
			Version:     cfg.Project.Version,
		},
	}, functions, reporter, logger,
		rpc.WithPeers(peers),
		rpc.WithHistory(history),
		rpc.WithMetrics(metrics))
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start RPC server", zap.Error(err))
	}

	var lan *discovery.LANDiscovery
	if cfg.Discovery.LAN.Enabled {
		lan = discovery.NewLANDiscovery(discovery.LANConfig{
			NodeID:          cfg.Node.ID,
			Service:         cfg.Discovery.LAN.Service,
			Domain:          cfg.Discovery.LAN.Domain,
			Port:            cfg.Node.AdvertisePort,
			Version:         cfg.Project.Version,
			RefreshInterval: cfg.Discovery.LAN.RefreshInterval,
			BrowseWindow:    cfg.Discovery.LAN.BrowseWindow,
		}, peers, logger)
		if err := lan.Start(ctx); err != nil {
			// WAN peers and local execution still work without multicast
			logger.Error("Failed to start LAN discovery", zap.Error(err))
			lan = nil
		} else {
			reporter.Subscribe(lan.UpdateLoad)
		}
	}

	wan := discovery.NewWANDiscovery(discovery.WANConfig{
		StaticPeers:      cfg.Discovery.WAN.StaticPeers,
		ScanEnabled:      cfg.Discovery.WAN.ScanEnabled,
		ScanPort:         cfg.Node.AdvertisePort,
		ProbeConcurrency: cfg.Discovery.WAN.ProbeConcurrency,
		ProbeTimeout:     cfg.Discovery.WAN.ProbeTimeout,
		PublicIPURL:      cfg.Discovery.WAN.PublicIPURL,
		Project: model.ProjectInfo{
			ProjectName: cfg.Project.Name,
			Version:     cfg.Project.Version,
		},
	}, peers, client, metrics, logger)

	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Error("Load gossip disabled", zap.Error(err))
		} else {
			defer nc.Close()

			address := net.JoinHostPort(advertiseHost(cfg, logger), strconv.Itoa(cfg.Node.AdvertisePort))
			gossip := service.NewLoadGossip(nc, cfg.NATS.SubjectPrefix, cfg.Node.ID, address, peers, logger)
			if err := gossip.Subscribe(ctx); err != nil {
				logger.Error("Failed to subscribe to load gossip", zap.Error(err))
			}
			reporter.Subscribe(gossip.OnSample)
		}
	}

	periodic := scheduler.NewPeriodic(logger)
	jobs := []scheduler.Job{
		{
			Name:       "wan-refresh",
			Interval:   cfg.Discovery.WAN.RefreshInterval,
			RunOnStart: true,
			Run:        wan.RefreshOnce,
		},
		{
			Name:     "peer-eviction",
			Interval: cfg.Discovery.LAN.RefreshInterval,
			Run: func(ctx context.Context) {
				now := time.Now()
				evicted := peers.EvictStale(now, cfg.LANStaleness(), model.OriginLAN)
				evicted = append(evicted, peers.EvictStale(now, cfg.WANStaleness(), model.OriginWAN, model.OriginStatic)...)
				if len(evicted) > 0 {
					logger.Info("Evicted stale peers", zap.Int("count", len(evicted)))
				}
				metrics.SetPeers(peers.Snapshot())
			},
		},
		{
			Name:     "history-retention",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) {
				deleted, err := history.DeleteBefore(ctx, time.Now().Add(-cfg.History.Retention))
				if err != nil {
					logger.Error("Failed to cleanup old task history", zap.Error(err))
					return
				}
				logger.Info("Cleaned up task history", zap.Int64("deleted", deleted))
			},
		},
		{
			Name:     "status",
			Interval: time.Minute,
			Run: func(ctx context.Context) {
				logger.Info("Node status",
					zap.Float64("load", reporter.Current()),
					zap.Int("peers", peers.Len()),
					zap.Int("in_flight", exec.InFlight()))
			},
		},
	}
	for _, job := range jobs {
		if err := periodic.Add(job); err != nil {
			logger.Fatal("Failed to add periodic job", zap.String("job", job.Name), zap.Error(err))
		}
	}
	if err := periodic.Start(ctx); err != nil {
		logger.Fatal("Failed to start periodic jobs", zap.Error(err))
	}

	logger.Info("Node started",
		zap.String("addr", server.Addr()),
		zap.Float64("cpu_threshold", cfg.Offload.CPUThreshold),
		zap.Bool("lan_discovery", lan != nil),
		zap.Bool("wan_scan", cfg.Discovery.WAN.ScanEnabled))

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if *runExamples {
		submitExamples(ctx, exec, builtins, logger)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown RPC server", zap.Error(err))
	}
	periodic.Stop()
	if lan != nil {
		lan.Stop()
	}
	reporter.Stop()

	if n := exec.InFlight(); n > 0 {
		logger.Info("Waiting for running tasks to complete", zap.Int("count", n))

		done := make(chan struct{})
		go func() {
			exec.Wait()
			close(done)
		}()
		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached, some tasks may not have completed")
		case <-done:
			logger.Info("All tasks completed successfully")
		}
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS connects to the gossip broker, retrying a few times before giving up
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Node.ID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS successfully",
				zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

// advertiseHost returns the configured host or the address of the interface
// holding the default route
func advertiseHost(cfg *config.Config, logger *zap.Logger) string {
	if cfg.Node.AdvertiseHost != "" {
		return cfg.Node.AdvertiseHost
	}

	// UDP dial sends nothing, it only selects the outbound interface
	conn, err := net.Dial("udp", cfg.Connectivity.ProbeAddr)
	if err != nil {
		logger.Warn("Failed to detect advertise host, using hostname", zap.Error(err))
		hostname, _ := os.Hostname()
		return hostname
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// submitExamples offloads one call of every built-in and logs the results
func submitExamples(ctx context.Context, exec *executor.DistributedExecutor, builtins map[string]rpc.Function, logger *zap.Logger) {
	examples := []struct {
		name   string
		args   []interface{}
		kwargs map[string]interface{}
	}{
		{name: "prime_calculation", args: []interface{}{10000}},
		{name: "matrix_multiply", args: []interface{}{100}},
		{name: "data_processing", args: []interface{}{50}},
		{name: "complex_operation", args: []interface{}{500}},
		{
			name: "data_transform",
			kwargs: map[string]interface{}{
				"operation": "transform",
				"data":      []interface{}{1, 2, 3, 4, 5},
				"params":    map[string]interface{}{"op": "scale", "value": 2.0},
			},
		},
	}

	futures := make([]*executor.Future, 0, len(examples))
	for _, example := range examples {
		fn, ok := builtins[example.name]
		if !ok {
			logger.Error("Unknown example task", zap.String("function", example.name))
			continue
		}
		futures = append(futures, exec.SubmitWithKwargs(ctx, fn, example.args, example.kwargs))
	}

	for _, f := range futures {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		result, err := f.Wait(waitCtx)
		cancel()
		if err != nil {
			logger.Error("Example task failed",
				zap.String("task_id", f.ID()),
				zap.String("function", f.Function()),
				zap.String("target", f.Target()),
				zap.Error(err))
			continue
		}
		logger.Info("Example task completed",
			zap.String("task_id", f.ID()),
			zap.String("function", f.Function()),
			zap.String("target", f.Target()),
			zap.Any("result", result))
	}
}
