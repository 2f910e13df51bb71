// Command worker runs a dispatcher-only process. Multiple workers can
// point at the same database: the claim protocol keeps each occurrence
// on exactly one of them, so this is how dispatch capacity scales out
// beyond the main reportsched process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/evolvix-software/reportsched/internal/analytics"
	"github.com/evolvix-software/reportsched/internal/circuitbreaker"
	"github.com/evolvix-software/reportsched/internal/config"
	"github.com/evolvix-software/reportsched/internal/dispatch"
	"github.com/evolvix-software/reportsched/internal/recurrence"
	"github.com/evolvix-software/reportsched/internal/store/postgres"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db, cfg.DBOpTimeout)
	calc := recurrence.NewCalculator()
	sink := dispatch.NewHTTPSink(cfg.SinkURL, cfg.SinkSecret, cfg.SinkTimeout)

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

	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, 0))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("worker: REDIS_ADDR not set; analytics disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// No trigger bus here: manual runs are handled by the process
		// serving the API. This worker only polls for due schedules.
		disp.Run(ctx, nil)
	}()

	log.Printf("worker: started (poll=%s, lease=%s, workers=%d)", cfg.PollInterval, cfg.ClaimLease, cfg.DispatchWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)

	log.Println("worker: stopping dispatcher (draining executions)...")
	cancel()
	wg.Wait()
	log.Println("worker: dispatcher stopped")

	log.Println("worker: stopped")
}
