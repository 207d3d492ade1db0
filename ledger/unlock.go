package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lerfilm/opendrama-sub002/models"
	"gorm.io/gorm"
)

// UnlockResult describes how the user got access to an episode.
type UnlockResult struct {
	Free      bool                  `json:"free"`
	CoinsPaid int64                 `json:"coins_paid"`
	Grant     *models.EpisodeUnlock `json:"grant,omitempty"`
}

// UnlockEpisode charges the flat per-episode cost and records the
// unique (user, episode) grant in one transaction. There is no
// reservation phase: the grant is instantaneous and local, nothing can
// fail after the charge.
//
// Episode 1 of every series is implicitly free — no charge, no row.
// An active subscription also grants access without a row. A repeat
// unlock returns ErrAlreadyUnlocked and never charges twice; the
// unique index on (user_id, episode_id) closes the race between
// concurrent unlock requests.
func (s *Service) UnlockEpisode(ctx context.Context, userID, episodeID uint) (*UnlockResult, error) {
	var episode models.Episode
	if err := s.DB.WithContext(ctx).First(&episode, episodeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEpisodeNotFound
		}
		return nil, err
	}

	if episode.IsFree() {
		return &UnlockResult{Free: true}, nil
	}

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, userID).Error; err == nil && user.IsSubscribed() {
		return &UnlockResult{Free: true}, nil
	}

	var existing models.EpisodeUnlock
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND episode_id = ?", userID, episodeID).
		First(&existing).Error
	if err == nil {
		return nil, ErrAlreadyUnlocked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cost := episode.UnlockCost
	grant := models.EpisodeUnlock{
		UserID:    userID,
		EpisodeID: episodeID,
		CoinsPaid: cost,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Charging against available coins keeps reserved <= balance
		// even while generation jobs are in flight.
		res := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND balance - reserved >= ?", userID, cost).
			UpdateColumn("balance", gorm.Expr("balance - ?", cost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}

		// A concurrent unlock that won the race trips the unique index
		// here and rolls back the decrement above — one charge total.
		if err := tx.Create(&grant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyUnlocked
			}
			return err
		}

		var bal models.UserBalance
		if err := tx.Where("user_id = ?", userID).First(&bal).Error; err != nil {
			return err
		}

		entry := models.CoinTransaction{
			UserID:       userID,
			Type:         models.TxTypeUnlock,
			Amount:       -cost,
			BalanceAfter: bal.Balance,
			Reference:    fmt.Sprintf("unlock:%d:%d", userID, episodeID),
			Description:  fmt.Sprintf("unlock episode %d of series %d", episode.EpisodeNumber, episode.SeriesID),
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyUnlocked
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UnlockResult{CoinsPaid: cost, Grant: &grant}, nil
}

// HasAccess reports whether the user can watch the episode: first
// episodes and subscribers are always in, otherwise a grant row must
// exist.
func (s *Service) HasAccess(ctx context.Context, userID uint, episode *models.Episode) (bool, error) {
	if episode.IsFree() {
		return true, nil
	}

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, userID).Error; err == nil && user.IsSubscribed() {
		return true, nil
	}

	var count int64
	err := s.DB.WithContext(ctx).Model(&models.EpisodeUnlock{}).
		Where("user_id = ? AND episode_id = ?", userID, episode.ID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
