package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/evolvix-software/reportsched/internal/analytics"
	"github.com/evolvix-software/reportsched/internal/api"
	"github.com/evolvix-software/reportsched/internal/circuitbreaker"
	"github.com/evolvix-software/reportsched/internal/config"
	"github.com/evolvix-software/reportsched/internal/dispatch"
	"github.com/evolvix-software/reportsched/internal/lifecycle"
	"github.com/evolvix-software/reportsched/internal/metrics"
	"github.com/evolvix-software/reportsched/internal/recurrence"
	"github.com/evolvix-software/reportsched/internal/store/postgres"
	"github.com/evolvix-software/reportsched/internal/sweeper"
	"github.com/evolvix-software/reportsched/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`reportsched - recurring report schedule engine

Usage:
  reportsched <command>

Commands:
  serve      Start the API, dispatcher and sweeper
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  POLL_INTERVAL             Dispatcher due-scan interval (default: "30s")
  CLAIM_LEASE               Dispatch claim lease duration (default: "5m")
  DISPATCH_WORKERS          Concurrent execution workers (default: "4")
  DISPATCH_BATCH_SIZE       Max due schedules per poll (default: "100")

  SINK_URL                  Report renderer endpoint (required)
  SINK_SECRET               HMAC secret for sink requests (optional)
  SINK_TIMEOUT              Sink request timeout (default: "30s")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher drain timeout (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  SWEEP_ENABLED             Enable misfire sweeper (default: "false")
  SWEEP_INTERVAL            How often to scan for misfires (default: "5m")
  SWEEP_THRESHOLD           Age before a due schedule is misfired (default: "15m")
  SWEEP_BATCH_SIZE          Max misfires per cycle (default: "100")

  TRIGGER_BUFFER_SIZE       Manual trigger buffer size (default: "100")
  CIRCUIT_BREAKER_THRESHOLD Failures before opening circuit, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Circuit open duration (default: "2m")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("reportsched: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)
	if err := store.InitSchema(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize schema: %v\n", err)
		return exitRuntimeError
	}

	calc := recurrence.NewCalculator()
	bus := channel.NewTriggerBus(cfg.TriggerBufferSize)
	sink := dispatch.NewHTTPSink(cfg.SinkURL, cfg.SinkSecret, cfg.SinkTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("reportsched: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("reportsched: METRICS_ENABLED not set; metrics disabled")
	}

	disp := dispatch.New(
		dispatch.Config{
			PollInterval:  cfg.PollInterval,
			LeaseDuration: cfg.ClaimLease,
			Workers:       cfg.DispatchWorkers,
			BatchSize:     cfg.DispatchBatchSize,
		},
		store,
		sink,
		calc,
	)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	if cfg.CircuitBreakerThreshold > 0 {
		breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		disp = disp.WithBreaker(breaker)
		log.Printf("reportsched: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, 0))
		log.Printf("reportsched: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("reportsched: REDIS_ADDR not set; analytics disabled")
	}

	manager := lifecycle.New(store, calc, bus)
	apiHandler := api.NewHandler(manager).WithHealthChecker(db)

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("reportsched: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("reportsched: http server error: %v", err)
		}
	}()

	// Use separate contexts for dispatcher and sweeper to enable ordered shutdown.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var sweeperWg sync.WaitGroup
	var cancelSweeper context.CancelFunc

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	// Start sweeper if enabled
	if cfg.SweepEnabled {
		var sweeperCtx context.Context
		sweeperCtx, cancelSweeper = context.WithCancel(context.Background())
		swp := sweeper.New(
			sweeper.Config{
				Interval:  cfg.SweepInterval,
				Threshold: cfg.SweepThreshold,
				BatchSize: cfg.SweepBatchSize,
			},
			store,
			calc,
		)
		sweeperWg.Add(1)
		go func() {
			defer sweeperWg.Done()
			swp.Run(sweeperCtx)
		}()
		log.Printf("reportsched: sweeper enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.SweepInterval, cfg.SweepThreshold, cfg.SweepBatchSize)
	} else {
		log.Println("reportsched: SWEEP_ENABLED not set; sweeper disabled")
	}

	log.Printf("reportsched: started (poll=%s, lease=%s, http=%s)", cfg.PollInterval, cfg.ClaimLease, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("reportsched: received signal %v, shutting down", received)

	// Phase 1: Stop HTTP server so no new schedules or triggers arrive.
	log.Println("reportsched: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("reportsched: http server shutdown error: %v", err)
	}
	log.Println("reportsched: http server stopped")

	// Phase 2: Stop sweeper (no new writes racing the dispatcher)
	if cancelSweeper != nil {
		log.Println("reportsched: stopping sweeper...")
		cancelSweeper()
		sweeperWg.Wait()
		log.Println("reportsched: sweeper stopped")
	}

	// Phase 3: Stop dispatcher (waits for in-flight executions)
	log.Println("reportsched: stopping dispatcher (draining executions)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("reportsched: dispatcher stopped")

	log.Println("reportsched: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("reportsched version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
