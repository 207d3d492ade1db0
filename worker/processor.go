package worker

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/provider"
	"github.com/Lerfilm/opendrama-sub002/tasks"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// TaskHandler is a function that processes a task payload.
type TaskHandler func(ctx context.Context, payload string) error

// Processor holds dependencies and registered task handlers.
type Processor struct {
	DB       *gorm.DB
	RDB      *redis.Client
	Ledger   *ledger.Service
	Gen      provider.Generator
	handlers map[string]TaskHandler

	// PollInterval is how often a submitted provider task is
	// re-checked until it reaches a terminal state.
	PollInterval time.Duration

	// PollTimeout bounds how long a single job may poll before its
	// reservation is released. The worker is serial, so a provider
	// task that never terminates must not wedge the queue.
	PollTimeout time.Duration
}

// NewProcessor creates a new worker processor.
func NewProcessor(db *gorm.DB, rdb *redis.Client, gen provider.Generator) *Processor {
	return &Processor{
		DB:           db,
		RDB:          rdb,
		Ledger:       ledger.NewService(db),
		Gen:          gen,
		handlers:     make(map[string]TaskHandler),
		PollInterval: 5 * time.Second,
		PollTimeout:  pollTimeout(),
	}
}

// pollTimeout mirrors the scheduler sweep's window so the worker gives
// up on a job before the sweep would.
func pollTimeout() time.Duration {
	if v := os.Getenv("GENERATION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return 30 * time.Minute
}

// Register maps a queue name (task type) to a handler function.
func (p *Processor) Register(queueName string, handler TaskHandler) {
	p.handlers[queueName] = handler
	log.Printf("Registered handler for queue: %s", queueName)
}

// Enqueue is a helper to add a new task to a queue.
func (p *Processor) Enqueue(ctx context.Context, queueName string, payload interface{}) error {
	payloadStr, err := tasks.Marshal(payload)
	if err != nil {
		return err
	}
	return p.RDB.LPush(ctx, queueName, payloadStr).Err()
}

// Listen starts the worker, listening on all registered queues.
func (p *Processor) Listen(ctx context.Context, queueNames ...string) {
	log.Printf("Worker listening on %d queues: %v", len(queueNames), queueNames)

	for {
		// BRPop blocks until a task is available on any of the listed queues.
		result, err := p.RDB.BRPop(ctx, 0, queueNames...).Result()
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Worker context canceled, stopping")
				return
			}
			log.Printf("Error popping from queue: %v", err)
			continue
		}

		// result[0] is the queue name, result[1] is the payload
		queueName := result[0]
		payload := result[1]

		handler, ok := p.handlers[queueName]
		if !ok {
			log.Printf("Error: No handler registered for queue %s", queueName)
			continue
		}

		log.Printf("Received task from queue %s", queueName)

		// Run the handler
		if err := handler(ctx, payload); err != nil {
			log.Printf("Error processing task from %s: %v", queueName, err)
		}
	}
}
