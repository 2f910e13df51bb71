// Package analytics keeps best-effort execution counters in Redis.
// Counters are bucketed by day so operators can chart per-schedule
// delivery outcomes without touching the relational store.
package analytics

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/evolvix-software/reportsched/internal/domain"
)

const defaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention == 0 {
		retention = defaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// Record increments the outcome counter for one execution. Errors are
// logged and swallowed: analytics never affects dispatch correctness.
func (s *RedisSink) Record(ctx context.Context, scheduleID uuid.UUID, reportType string, outcome domain.RunOutcome, at time.Time) {
	key := buildKey(scheduleID.String(), reportType, string(outcome), at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: redis pipeline: %v", err)
	}
}

func buildKey(scheduleID, reportType, outcome string, t time.Time) string {
	return "rs:s:" + scheduleID + ":t:" + reportType + ":" + outcome + ":" + t.UTC().Format("20060102")
}
