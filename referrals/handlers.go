package referrals

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	DB *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{DB: db}
}

type SetReferralCodeRequest struct {
	ReferralCode string `json:"referral_code" binding:"required"`
}

// SetReferralCode allows users to set their unique referral code.
// Bonuses are paid in coins, so no payout account is needed.
func (h *Handler) SetReferralCode(c *gin.Context) {
	// Get authenticated user ID from context
	userID := c.GetUint("user_id")

	var req SetReferralCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// Validate referral code format
	// Only allow alphanumeric characters and underscores, 3-20 characters
	req.ReferralCode = strings.ToLower(strings.TrimSpace(req.ReferralCode))
	matched, _ := regexp.MatchString("^[a-z0-9_]{3,20}$", req.ReferralCode)
	if !matched {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Referral code must be 3-20 characters and contain only letters, numbers, and underscores",
		})
		return
	}

	// Check if code is already in use
	var existingUser models.User
	if err := h.DB.Where("referral_code = ?", req.ReferralCode).First(&existingUser).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "This referral code is already taken"})
		return
	} else if err != gorm.ErrRecordNotFound {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	// Update user's referral code
	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	user.ReferralCode = &req.ReferralCode
	if err := h.DB.Save(&user).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update referral code"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Referral code set successfully",
		"referral_code": req.ReferralCode,
	})
}

// GetReferralStats returns referral statistics for the authenticated user
func (h *Handler) GetReferralStats(c *gin.Context) {
	userID := c.GetUint("user_id")

	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	// Count referred users
	var referredCount int64
	h.DB.Model(&models.User{}).Where("referred_by_user_id = ?", userID).Count(&referredCount)

	c.JSON(http.StatusOK, gin.H{
		"referral_code":           user.ReferralCode,
		"referred_users_count":    referredCount,
		"referral_earnings_coins": user.ReferralEarningsCoins,
	})
}
