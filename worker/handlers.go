package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/Lerfilm/opendrama-sub002/provider"
	"github.com/Lerfilm/opendrama-sub002/tasks"
	"gorm.io/gorm"
)

// HandleSegmentGeneration processes tasks from QueueSegmentGeneration.
// The job arrives already reserved; every path out of here either
// charges the reservation (provider success) or releases it back to
// the user's balance (provider failure).
func (p *Processor) HandleSegmentGeneration(ctx context.Context, payload string) error {
	var task tasks.SegmentTaskPayload
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return err
	}

	log.Printf("Generating segment for job %d", task.JobID)

	if err := p.runGeneration(ctx, task.JobID); err != nil {
		return err
	}

	// Chain the next reserved segment of the same episode so the
	// episode renders in order without the client resubmitting.
	return p.chainNextSegment(ctx, task.JobID)
}

// HandleRehearsalGeneration processes tasks from
// QueueRehearsalGeneration. Identical coin discipline, no chaining.
func (p *Processor) HandleRehearsalGeneration(ctx context.Context, payload string) error {
	var task tasks.RehearsalTaskPayload
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return err
	}

	log.Printf("Generating rehearsal %d (job %d)", task.RehearsalID, task.JobID)
	return p.runGeneration(ctx, task.JobID)
}

// runGeneration drives one reserved job through the provider. The
// provider call happens entirely outside any balance transaction; the
// ledger is only touched before (reservation, already taken) and after
// (charge or release).
func (p *Processor) runGeneration(ctx context.Context, jobID uint) error {
	var job models.GenerationJob
	if err := p.DB.First(&job, jobID).Error; err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		log.Printf("Job %d already terminal (%s), skipping", jobID, job.Status)
		return nil
	}
	if job.Status != models.JobStatusReserved {
		log.Printf("Job %d not reserved (%s), skipping", jobID, job.Status)
		return nil
	}

	taskRef, err := p.Gen.Submit(ctx, provider.Request{
		Prompt:      job.Prompt,
		Model:       job.Model,
		Resolution:  job.Resolution,
		DurationSec: job.DurationSec,
	})
	if err != nil {
		// Reservation must not dangle past a failed provider call.
		if relErr := p.Ledger.Release(ctx, jobID, err.Error()); relErr != nil && !ledger.IsIdempotentReplay(relErr) {
			log.Printf("Error releasing job %d after submit failure: %v", jobID, relErr)
		}
		return err
	}

	if err := p.Ledger.Advance(ctx, jobID, models.JobStatusSubmitted, taskRef); err != nil {
		log.Printf("Error advancing job %d to submitted: %v", jobID, err)
	}

	result, err := p.pollUntilTerminal(ctx, jobID, taskRef)
	if err != nil {
		if relErr := p.Ledger.Release(ctx, jobID, err.Error()); relErr != nil && !ledger.IsIdempotentReplay(relErr) {
			log.Printf("Error releasing job %d after poll failure: %v", jobID, relErr)
		}
		return err
	}

	if result.State == provider.StateDone {
		if err := p.Ledger.Charge(ctx, jobID, result.VideoURL, result.ThumbnailURL); err != nil {
			log.Printf("Error charging job %d: %v", jobID, err)
			return err
		}
		log.Printf("Job %d done, reservation charged", jobID)
		return nil
	}

	msg := result.ErrorMessage
	if msg == "" {
		msg = "generation failed"
	}
	if err := p.Ledger.Release(ctx, jobID, msg); err != nil && !ledger.IsIdempotentReplay(err) {
		log.Printf("Error releasing job %d: %v", jobID, err)
		return err
	}
	log.Printf("Job %d failed, reservation released: %s", jobID, msg)
	return nil
}

// maxPollFailures caps consecutive poll errors before the job is given
// up on (provider down, task purged server-side).
const maxPollFailures = 5

// pollUntilTerminal re-checks the provider task until it finishes, the
// per-job deadline passes, or too many polls fail in a row. The
// generating transition is advanced on the first running poll.
func (p *Processor) pollUntilTerminal(ctx context.Context, jobID uint, taskRef string) (*provider.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.PollTimeout)
	defer cancel()

	advanced := false
	failures := 0

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("generation did not finish within %s: %w", p.PollTimeout, ctx.Err())
		case <-ticker.C:
		}

		result, err := p.Gen.Poll(ctx, taskRef)
		if err != nil {
			failures++
			if failures >= maxPollFailures {
				return nil, fmt.Errorf("provider poll failed %d times in a row: %w", failures, err)
			}
			log.Printf("Error polling job %d (%s): %v", jobID, taskRef, err)
			continue
		}
		failures = 0

		if result.State == provider.StateRunning && !advanced {
			if err := p.Ledger.Advance(ctx, jobID, models.JobStatusGenerating, ""); err != nil {
				log.Printf("Error advancing job %d to generating: %v", jobID, err)
			}
			advanced = true
		}

		if result.Terminal() {
			return result, nil
		}
	}
}

// chainNextSegment enqueues the lowest-index reserved segment of the
// finished job's episode, if any.
func (p *Processor) chainNextSegment(ctx context.Context, doneJobID uint) error {
	var done models.GenerationJob
	if err := p.DB.First(&done, doneJobID).Error; err != nil {
		return err
	}
	if done.EpisodeID == 0 {
		return nil // rehearsal job, nothing to chain
	}

	var next models.GenerationJob
	err := p.DB.
		Where("episode_id = ? AND status = ? AND segment_index > ?",
			done.EpisodeID, models.JobStatusReserved, done.SegmentIndex).
		Order("segment_index asc").
		First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("Episode %d has no further reserved segments", done.EpisodeID)
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("Chaining segment %d (job %d) of episode %d", next.SegmentIndex, next.ID, next.EpisodeID)
	return p.Enqueue(ctx, tasks.QueueSegmentGeneration, tasks.SegmentTaskPayload{JobID: next.ID})
}
