package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Lerfilm/opendrama-sub002/internal/platform"
	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/robfig/cron/v3"
)

// Jobs holding a coin reservation longer than this are assumed lost
// and released, so the hold does not pin the user's balance forever.
const defaultTimeoutMinutes = 30

func main() {
	// Use the shared initializers
	db := platform.NewDBConnection()
	ctx := context.Background()

	timeout := time.Duration(timeoutMinutes()) * time.Minute
	svc := ledger.NewService(db)

	// Create a new cron scheduler
	c := cron.New()

	_, err := c.AddFunc("@every 1m", func() {
		released, err := svc.ReleaseStale(ctx, time.Now().Add(-timeout))
		if err != nil {
			log.Printf("Error sweeping stuck jobs: %v", err)
		}
		if released > 0 {
			log.Printf("Released %d stuck jobs", released)
		}
	})
	if err != nil {
		log.Fatalf("Error scheduling sweep job: %v", err)
	}

	c.Start()
	defer c.Stop()

	log.Printf("Scheduler started, sweeping jobs stuck for over %s...", timeout)
	// Keep the main thread alive
	select {}
}

func timeoutMinutes() int {
	if v := os.Getenv("GENERATION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultTimeoutMinutes
}
