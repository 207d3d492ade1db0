package models

import (
	"fmt"
	"time"
)

type Episode struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SeriesID      uint      `gorm:"not null;index;uniqueIndex:idx_series_episode" json:"series_id"`
	EpisodeNumber int       `gorm:"not null;uniqueIndex:idx_series_episode" json:"episode_number"`
	Title         string    `gorm:"size:255" json:"title"`
	Script        string    `gorm:"type:text" json:"script,omitempty"`
	VideoURL      string    `json:"video_url,omitempty"`
	ThumbnailURL  string    `json:"thumbnail_url,omitempty"`
	DurationSec   float64   `json:"duration_sec"`
	UnlockCost    int64     `gorm:"not null;default:10" json:"unlock_cost"` // coins
	IsPublished   bool      `gorm:"default:false" json:"is_published"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Episode) TableName() string {
	return "episodes"
}

func (e *Episode) DisplayTitle() string {
	if e.Title != "" {
		return e.Title
	}
	return fmt.Sprintf("Episode %d", e.EpisodeNumber)
}

// IsFree reports whether the episode is implicitly unlocked for
// everyone. The first episode of every series is always free and never
// gets an unlock row.
func (e *Episode) IsFree() bool {
	return e.EpisodeNumber == 1
}

// EpisodeUnlock records that a user has paid for access to an episode.
// Rows are created exactly once per (user, episode), never updated,
// never deleted. The composite unique index is the concurrency guard
// against double-unlock races.
type EpisodeUnlock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_episode" json:"user_id"`
	EpisodeID uint      `gorm:"not null;uniqueIndex:idx_user_episode" json:"episode_id"`
	CoinsPaid int64     `gorm:"not null" json:"coins_paid"`
	CreatedAt time.Time `json:"created_at"`
}

func (EpisodeUnlock) TableName() string {
	return "episode_unlocks"
}
