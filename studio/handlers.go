package studio

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/Lerfilm/opendrama-sub002/pricing"
	"github.com/Lerfilm/opendrama-sub002/processing"
	"github.com/Lerfilm/opendrama-sub002/tasks"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type Handler struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Ledger *ledger.Service
}

func NewHandler(db *gorm.DB, rdb *redis.Client) *Handler {
	return &Handler{DB: db, Redis: rdb, Ledger: ledger.NewService(db)}
}

// episodeForUser loads an episode and verifies the owning series
// belongs to the authenticated user.
func (h *Handler) episodeForUser(c *gin.Context) (*models.Episode, bool) {
	episodeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid episode ID"})
		return nil, false
	}

	var episode models.Episode
	if err := h.DB.First(&episode, episodeID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
		return nil, false
	}

	userID := c.GetUint("user_id")
	var series models.Series
	if err := h.DB.First(&series, "id = ? AND user_id = ?", episode.SeriesID, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
		return nil, false
	}
	return &episode, true
}

type CreateEpisodeRequest struct {
	Title      string `json:"title"`
	UnlockCost int64  `json:"unlock_cost" binding:"min=0"`
}

// CreateEpisode appends a new episode to one of the user's series. If
// no title is given, one is generated from the series arc.
func (h *Handler) CreateEpisode(c *gin.Context) {
	userID := c.GetUint("user_id")
	seriesID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid series ID"})
		return
	}

	var series models.Series
	if err := h.DB.First(&series, "id = ? AND user_id = ?", seriesID, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Series not found"})
		return
	}

	var req CreateEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var lastNumber int
	h.DB.Model(&models.Episode{}).
		Where("series_id = ?", series.ID).
		Select("COALESCE(MAX(episode_number), 0)").
		Scan(&lastNumber)

	title := req.Title
	if title == "" {
		var existing []models.Episode
		h.DB.Where("series_id = ?", series.ID).Find(&existing)
		var existingTitles []string
		for _, ep := range existing {
			existingTitles = append(existingTitles, ep.Title)
		}

		title, err = processing.GenerateEpisodeTitle(c.Request.Context(), series, existingTitles)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to generate episode title"})
			return
		}
	}

	unlockCost := req.UnlockCost
	if unlockCost == 0 {
		unlockCost = 10
	}

	episode := models.Episode{
		SeriesID:      series.ID,
		EpisodeNumber: lastNumber + 1,
		Title:         title,
		UnlockCost:    unlockCost,
	}
	if err := h.DB.Create(&episode).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create episode"})
		return
	}

	c.JSON(http.StatusOK, episode)
}

type PlanSegmentsRequest struct {
	Model      string `json:"model" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
}

// PlanSegments breaks the episode into visual segments via the LLM and
// creates one pending generation job per segment. Planning is free;
// coins only move at submission.
func (h *Handler) PlanSegments(c *gin.Context) {
	episode, ok := h.episodeForUser(c)
	if !ok {
		return
	}
	userID := c.GetUint("user_id")

	var req PlanSegmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if pricing.CostPerSecondCents(req.Model, req.Resolution) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown model/resolution combination"})
		return
	}

	var inFlight int64
	h.DB.Model(&models.GenerationJob{}).
		Where("episode_id = ? AND status NOT IN ?", episode.ID,
			[]models.JobStatus{models.JobStatusDone, models.JobStatusFailed}).
		Count(&inFlight)
	if inFlight > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Episode already has segments planned or in flight"})
		return
	}

	var series models.Series
	if err := h.DB.First(&series, episode.SeriesID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	plans, err := processing.GenerateSegmentPlans(c.Request.Context(), series, episode.DisplayTitle())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to plan segments"})
		return
	}

	script, err := processing.GenerateScript(c.Request.Context(), series, *episode, plans)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to assemble script"})
		return
	}

	var jobs []models.GenerationJob
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		for _, plan := range plans {
			job := models.GenerationJob{
				UserID:       userID,
				EpisodeID:    episode.ID,
				SegmentIndex: plan.Index,
				Model:        req.Model,
				Resolution:   req.Resolution,
				DurationSec:  plan.DurationSec,
				Prompt:       plan.Prompt,
				Status:       models.JobStatusPending,
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return tx.Model(episode).Update("script", script).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save segment plan"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"episode_id":     episode.ID,
		"jobs":           jobs,
		"estimated_cost": estimateForJobs(jobs),
	})
}

// EstimateCost prices the episode's pending segments without touching
// the ledger. The same pure calculation runs again at reservation
// time, so the number shown is the number charged.
func (h *Handler) EstimateCost(c *gin.Context) {
	episode, ok := h.episodeForUser(c)
	if !ok {
		return
	}

	var jobs []models.GenerationJob
	if err := h.DB.Where("episode_id = ? AND status = ?", episode.ID, models.JobStatusPending).
		Order("segment_index asc").Find(&jobs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"episode_id":     episode.ID,
		"segment_count":  len(jobs),
		"estimated_cost": estimateForJobs(jobs),
	})
}

// estimateForJobs sums the per-segment coin costs, matching what
// Reserve will take per job.
func estimateForJobs(jobs []models.GenerationJob) int64 {
	var total int64
	for _, job := range jobs {
		total += pricing.EstimateSegmentCost(job.DurationSec, job.Model, job.Resolution)
	}
	return total
}

// SubmitEpisode reserves coins for every pending segment, then
// enqueues the first one; the worker chains the rest in order. Each
// reservation is all-or-nothing per job: on the first shortfall,
// submission stops and nothing for the remaining segments is held.
func (h *Handler) SubmitEpisode(c *gin.Context) {
	episode, ok := h.episodeForUser(c)
	if !ok {
		return
	}

	var jobs []models.GenerationJob
	if err := h.DB.Where("episode_id = ? AND status = ?", episode.ID, models.JobStatusPending).
		Order("segment_index asc").Find(&jobs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if len(jobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No pending segments to submit"})
		return
	}

	var reserved []uint
	var totalCost int64
	for _, job := range jobs {
		cost, err := h.Ledger.Reserve(c.Request.Context(), job.ID)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			// Roll back the holds taken so far; the provider hasn't
			// been called for any of them yet.
			for _, id := range reserved {
				if relErr := h.Ledger.CancelReservation(c.Request.Context(), id); relErr != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to roll back reservations"})
					return
				}
			}
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":          "insufficient_funds",
				"estimated_cost": estimateForJobs(jobs),
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reserve coins"})
			return
		}
		reserved = append(reserved, job.ID)
		totalCost += cost
	}

	payload, err := tasks.Marshal(tasks.SegmentTaskPayload{JobID: jobs[0].ID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue segment"})
		return
	}
	if err := h.Redis.LPush(c.Request.Context(), tasks.QueueSegmentGeneration, payload).Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue segment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"episode_id":    episode.ID,
		"reserved_jobs": reserved,
		"total_cost":    totalCost,
	})
}

// GetEpisodeJobs returns per-job status for the episode. The client
// polls this every few seconds and stops once every job is done or
// failed; nothing here mutates the ledger.
func (h *Handler) GetEpisodeJobs(c *gin.Context) {
	episode, ok := h.episodeForUser(c)
	if !ok {
		return
	}

	var jobs []models.GenerationJob
	if err := h.DB.Where("episode_id = ?", episode.ID).
		Order("segment_index asc").Find(&jobs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	allTerminal := true
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"episode_id":   episode.ID,
		"jobs":         jobs,
		"all_terminal": allTerminal,
	})
}

// RetryJob takes a fresh reservation for a failed segment and
// re-enqueues it.
func (h *Handler) RetryJob(c *gin.Context) {
	jobID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID"})
		return
	}

	userID := c.GetUint("user_id")
	var job models.GenerationJob
	if err := h.DB.First(&job, "id = ? AND user_id = ?", jobID, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	cost, err := h.Ledger.Retry(c.Request.Context(), job.ID)
	if errors.Is(err, ledger.ErrAlreadyTerminal) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not retryable"})
		return
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry job"})
		return
	}

	queue, payloadStr, err := retryTask(h.DB, &job)
	if err == nil {
		err = h.Redis.LPush(c.Request.Context(), queue, payloadStr).Err()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "reserved_cost": cost})
}

// retryTask builds the re-enqueue payload for a retried job. Episode
// segments go back on the segment queue; a standalone job belongs to a
// rehearsal, which is looked up so the payload carries its ID.
func retryTask(db *gorm.DB, job *models.GenerationJob) (string, string, error) {
	if job.EpisodeID != 0 {
		payload, err := tasks.Marshal(tasks.SegmentTaskPayload{JobID: job.ID})
		return tasks.QueueSegmentGeneration, payload, err
	}

	var rehearsal models.Rehearsal
	if err := db.Where("job_id = ?", job.ID).First(&rehearsal).Error; err != nil {
		return "", "", err
	}
	payload, err := tasks.Marshal(tasks.RehearsalTaskPayload{JobID: job.ID, RehearsalID: rehearsal.ID})
	return tasks.QueueRehearsalGeneration, payload, err
}
