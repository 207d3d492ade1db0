package series

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	DB     *gorm.DB
	Ledger *ledger.Service
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{DB: db, Ledger: ledger.NewService(db)}
}

type CreateSeriesRequest struct {
	Title    string `json:"title" binding:"required"`
	Synopsis string `json:"synopsis"`
	Genre    string `json:"genre"`
	CoverURL string `json:"cover_url"`
}

func (h *Handler) CreateSeries(c *gin.Context) {
	userID := c.GetUint("user_id")
	var req CreateSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	series := models.Series{
		UserID:   userID,
		Title:    req.Title,
		Synopsis: req.Synopsis,
		Genre:    req.Genre,
		CoverURL: req.CoverURL,
	}

	if err := h.DB.Create(&series).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create series"})
		return
	}

	c.JSON(http.StatusOK, series)
}

// GetUserSeries lists the authenticated user's own series (studio
// view).
func (h *Handler) GetUserSeries(c *gin.Context) {
	userID := c.GetUint("user_id")
	var series []models.Series
	if err := h.DB.Where("user_id = ?", userID).Find(&series).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve series"})
		return
	}

	c.JSON(http.StatusOK, series)
}

// BrowseSeries lists published series for the consumer catalog.
func (h *Handler) BrowseSeries(c *gin.Context) {
	var series []models.Series
	if err := h.DB.Where("is_published = ?", true).Find(&series).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve series"})
		return
	}

	for i := range series {
		var count int64
		h.DB.Model(&models.Episode{}).
			Where("series_id = ? AND is_published = ?", series[i].ID, true).
			Count(&count)
		series[i].EpisodeCount = int(count)
	}

	c.JSON(http.StatusOK, series)
}

// episodeView is an Episode plus the viewer's access state. The video
// URL is withheld until the episode is unlocked.
type episodeView struct {
	models.Episode
	Unlocked bool `json:"unlocked"`
}

// GetSeriesEpisodes lists a series' published episodes with per-viewer
// unlock state.
func (h *Handler) GetSeriesEpisodes(c *gin.Context) {
	seriesID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid series ID"})
		return
	}

	var series models.Series
	if err := h.DB.First(&series, seriesID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Series not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		}
		return
	}

	var episodes []models.Episode
	if err := h.DB.Where("series_id = ? AND is_published = ?", seriesID, true).
		Order("episode_number asc").Find(&episodes).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve episodes"})
		return
	}

	userID := c.GetUint("user_id")
	views := make([]episodeView, 0, len(episodes))
	for _, ep := range episodes {
		unlocked, err := h.Ledger.HasAccess(c.Request.Context(), userID, &ep)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		view := episodeView{Episode: ep, Unlocked: unlocked}
		if !unlocked {
			view.VideoURL = ""
			view.Script = ""
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, views)
}

// UnlockEpisode charges the episode's coin cost and grants access.
// Calling it again is harmless: the gate answers already_unlocked and
// nothing is charged twice.
func (h *Handler) UnlockEpisode(c *gin.Context) {
	episodeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid episode ID"})
		return
	}

	userID := c.GetUint("user_id")
	result, err := h.Ledger.UnlockEpisode(c.Request.Context(), userID, uint(episodeID))
	switch {
	case errors.Is(err, ledger.ErrEpisodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
	case errors.Is(err, ledger.ErrAlreadyUnlocked):
		c.JSON(http.StatusOK, gin.H{"already_unlocked": true})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unlock episode"})
	default:
		c.JSON(http.StatusOK, result)
	}
}

// WatchEpisode returns the playable video URL, gated on access.
func (h *Handler) WatchEpisode(c *gin.Context) {
	episodeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid episode ID"})
		return
	}

	var episode models.Episode
	if err := h.DB.First(&episode, episodeID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
		return
	}

	userID := c.GetUint("user_id")
	unlocked, err := h.Ledger.HasAccess(c.Request.Context(), userID, &episode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if !unlocked {
		c.JSON(http.StatusForbidden, gin.H{"error": "Episode is locked", "unlock_cost": episode.UnlockCost})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"episode_id": episode.ID,
		"title":      episode.DisplayTitle(),
		"video_url":  episode.VideoURL,
	})
}
