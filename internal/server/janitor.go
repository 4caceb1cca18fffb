package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/carevault/carevault/internal/store"
)

// Janitor sweeps subjects stuck in processing back to failed so they can
// be retried. A redis lock keeps concurrent replicas from double-sweeping.
type Janitor struct {
	Store    *store.Store
	Rdb      *redis.Client
	CronSpec string
	Deadline time.Duration
	Logger   *log.Logger

	Stop chan struct{}
	last time.Time
}

func (j *Janitor) Start() {
	if j.Logger == nil {
		j.Logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-j.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if j.due(time.Now()) {
					j.sweep()
				}
			}
		}
	}()
}

func (j *Janitor) due(now time.Time) bool {
	expr, err := cronexpr.Parse(j.CronSpec)
	if err != nil {
		// invalid spec degrades to an hourly sweep
		if j.last.IsZero() || now.Sub(j.last) >= time.Hour {
			j.last = now
			return true
		}
		return false
	}
	if j.last.IsZero() {
		j.last = now
		return true
	}
	next := expr.Next(j.last)
	if next.After(now) {
		return false
	}
	j.last = now
	return true
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if j.Rdb != nil {
		ok, err := j.Rdb.SetNX(ctx, "janitor:lock", "1", 2*time.Minute).Result()
		if err != nil {
			j.Logger.Printf("lock error: %v", err)
			return
		}
		if !ok {
			return
		}
		defer j.Rdb.Del(ctx, "janitor:lock")
	}

	n, err := j.Store.MarkStaleProcessingFailed(ctx, j.Deadline)
	if err != nil {
		j.Logger.Printf("sweep error: %v", err)
		return
	}
	if n > 0 {
		j.Logger.Printf("marked %d stale subjects failed", n)
	}
}
