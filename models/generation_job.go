package models

import (
	"time"
)

// JobStatus is the closed set of generation job states. Transitions not
// listed in jobTransitions are rejected by the ledger.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft" // rehearsals only, editable
	JobStatusPending    JobStatus = "pending"
	JobStatusReserved   JobStatus = "reserved"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusGenerating JobStatus = "generating"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusDraft:      {JobStatusPending},
	JobStatusPending:    {JobStatusReserved},
	JobStatusReserved:   {JobStatusSubmitted, JobStatusDone, JobStatusFailed},
	JobStatusSubmitted:  {JobStatusGenerating, JobStatusDone, JobStatusFailed},
	JobStatusGenerating: {JobStatusDone, JobStatusFailed},
	JobStatusFailed:     {JobStatusPending}, // retry re-enters the reserve step
}

// CanTransition reports whether moving from s to next is allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is done or failed. A done job
// never leaves done; a failed job can only re-enter via retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// HoldsReservation reports whether a coin reservation for the job's
// cost is outstanding in this status.
func (s JobStatus) HoldsReservation() bool {
	return s == JobStatusReserved || s == JobStatusSubmitted || s == JobStatusGenerating
}

// GenerationJob is one video segment submitted to the generation
// provider. TokenCost is set exactly once, when the job terminates in
// done and the reservation is converted to a permanent charge.
type GenerationJob struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	EpisodeID    uint      `gorm:"not null;index" json:"episode_id"`
	SegmentIndex int       `gorm:"not null" json:"segment_index"`
	Model        string    `gorm:"not null" json:"model"`
	Resolution   string    `gorm:"not null" json:"resolution"`
	DurationSec  float64   `gorm:"not null" json:"duration_sec"`
	Prompt       string    `gorm:"type:text" json:"prompt"`
	Status       JobStatus `gorm:"not null;default:'pending'" json:"status"`
	ReservedCost int64     `gorm:"not null;default:0" json:"reserved_cost"`
	TokenCost    *int64    `json:"token_cost,omitempty"`
	ProviderRef  string    `json:"provider_ref,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// Rehearsal is a standalone single-segment job with an editable draft
// phase. Its linked GenerationJob is created in draft status and stays
// editable until submission, which moves it to pending and runs the
// same reserve/charge/release discipline as episode segments.
type Rehearsal struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	UserID    uint          `gorm:"not null;index" json:"user_id"`
	SeriesID  uint          `gorm:"index" json:"series_id"`
	Title     string        `gorm:"size:255" json:"title"`
	JobID     uint          `gorm:"not null;index" json:"job_id"`
	Job       GenerationJob `gorm:"foreignKey:JobID" json:"job"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (Rehearsal) TableName() string {
	return "rehearsals"
}
