package studio

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/Lerfilm/opendrama-sub002/pricing"
	"github.com/Lerfilm/opendrama-sub002/tasks"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type CreateRehearsalRequest struct {
	SeriesID    uint    `json:"series_id"`
	Title       string  `json:"title"`
	Prompt      string  `json:"prompt" binding:"required"`
	Model       string  `json:"model" binding:"required"`
	Resolution  string  `json:"resolution" binding:"required"`
	DurationSec float64 `json:"duration_sec" binding:"required,gt=0"`
}

// CreateRehearsal creates a single-segment draft job the user can keep
// editing before paying to generate it.
func (h *Handler) CreateRehearsal(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req CreateRehearsalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var rehearsal models.Rehearsal
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		job := models.GenerationJob{
			UserID:      userID,
			Model:       req.Model,
			Resolution:  req.Resolution,
			DurationSec: req.DurationSec,
			Prompt:      req.Prompt,
			Status:      models.JobStatusDraft,
		}
		if err := tx.Create(&job).Error; err != nil {
			return err
		}

		rehearsal = models.Rehearsal{
			UserID:   userID,
			SeriesID: req.SeriesID,
			Title:    req.Title,
			JobID:    job.ID,
			Job:      job,
		}
		return tx.Create(&rehearsal).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create rehearsal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rehearsal":      rehearsal,
		"estimated_cost": pricing.EstimateSegmentCost(req.DurationSec, req.Model, req.Resolution),
	})
}

type UpdateRehearsalRequest struct {
	Title       string  `json:"title"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Resolution  string  `json:"resolution"`
	DurationSec float64 `json:"duration_sec"`
}

// UpdateRehearsal edits a rehearsal while its job is still in draft.
func (h *Handler) UpdateRehearsal(c *gin.Context) {
	rehearsal, ok := h.rehearsalForUser(c)
	if !ok {
		return
	}

	if rehearsal.Job.Status != models.JobStatusDraft {
		c.JSON(http.StatusConflict, gin.H{"error": "Rehearsal already submitted"})
		return
	}

	var req UpdateRehearsalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobUpdates := map[string]interface{}{}
	if req.Prompt != "" {
		jobUpdates["prompt"] = req.Prompt
	}
	if req.Model != "" {
		jobUpdates["model"] = req.Model
	}
	if req.Resolution != "" {
		jobUpdates["resolution"] = req.Resolution
	}
	if req.DurationSec > 0 {
		jobUpdates["duration_sec"] = req.DurationSec
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if req.Title != "" {
			if err := tx.Model(rehearsal).Update("title", req.Title).Error; err != nil {
				return err
			}
		}
		if len(jobUpdates) == 0 {
			return nil
		}
		// Edits only land while the job is still a draft.
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", rehearsal.JobID, models.JobStatusDraft).
			Updates(jobUpdates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrAlreadyTerminal
		}
		return nil
	})
	if errors.Is(err, ledger.ErrAlreadyTerminal) {
		c.JSON(http.StatusConflict, gin.H{"error": "Rehearsal already submitted"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update rehearsal"})
		return
	}

	h.DB.Preload("Job").First(rehearsal, rehearsal.ID)
	c.JSON(http.StatusOK, rehearsal)
}

// SubmitRehearsal moves the draft into the paid pipeline: draft ->
// pending, reserve coins, enqueue for generation.
func (h *Handler) SubmitRehearsal(c *gin.Context) {
	rehearsal, ok := h.rehearsalForUser(c)
	if !ok {
		return
	}

	// draft -> pending, guarded so a double submit can't slip through
	res := h.DB.Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", rehearsal.JobID, models.JobStatusDraft).
		Update("status", models.JobStatusPending)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Rehearsal already submitted"})
		return
	}

	cost, err := h.Ledger.Reserve(c.Request.Context(), rehearsal.JobID)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		// Back to draft so the user can recharge and submit again.
		h.DB.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", rehearsal.JobID, models.JobStatusPending).
			Update("status", models.JobStatusDraft)
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reserve coins"})
		return
	}

	payload, err := tasks.Marshal(tasks.RehearsalTaskPayload{JobID: rehearsal.JobID, RehearsalID: rehearsal.ID})
	if err == nil {
		err = h.Redis.LPush(c.Request.Context(), tasks.QueueRehearsalGeneration, payload).Err()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue rehearsal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rehearsal_id": rehearsal.ID, "reserved_cost": cost})
}

// GetRehearsal returns the rehearsal with its job status, for the
// client's polling loop.
func (h *Handler) GetRehearsal(c *gin.Context) {
	rehearsal, ok := h.rehearsalForUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rehearsal)
}

func (h *Handler) rehearsalForUser(c *gin.Context) (*models.Rehearsal, bool) {
	rehearsalID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rehearsal ID"})
		return nil, false
	}

	userID := c.GetUint("user_id")
	var rehearsal models.Rehearsal
	if err := h.DB.Preload("Job").First(&rehearsal, "id = ? AND user_id = ?", rehearsalID, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Rehearsal not found"})
		return nil, false
	}
	return &rehearsal, true
}
