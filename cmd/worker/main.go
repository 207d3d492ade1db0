package main

import (
	"context"
	"log"

	"github.com/Lerfilm/opendrama-sub002/internal/platform"
	"github.com/Lerfilm/opendrama-sub002/provider"
	"github.com/Lerfilm/opendrama-sub002/tasks"
	"github.com/Lerfilm/opendrama-sub002/worker"
)

func main() {
	// Use the shared initializers
	db := platform.NewDBConnection()
	platform.Migrate(db)
	rdb := platform.NewRedisClient()
	ctx := context.Background()

	p := worker.NewProcessor(db, rdb, provider.NewClient())

	p.Register(tasks.QueueSegmentGeneration, p.HandleSegmentGeneration)
	p.Register(tasks.QueueRehearsalGeneration, p.HandleRehearsalGeneration)

	log.Println("Worker started, waiting for queue tasks...")
	p.Listen(ctx, tasks.QueueSegmentGeneration, tasks.QueueRehearsalGeneration)
}
