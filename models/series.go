package models

import (
	"time"
)

type Series struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	User        User      `gorm:"foreignKey:UserID" json:"-"`
	Title       string    `gorm:"not null" json:"title"`
	Synopsis    string    `gorm:"type:text" json:"synopsis"`
	Genre       string    `json:"genre"`
	CoverURL    string    `json:"cover_url"`
	IsPublished bool      `gorm:"default:false" json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Episode count (computed field, not persisted)
	EpisodeCount int `gorm:"-" json:"episode_count"`
}

func (Series) TableName() string {
	return "series"
}
