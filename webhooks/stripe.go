package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

type Handler struct {
	DB     *gorm.DB
	Ledger *ledger.Service
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{DB: db, Ledger: ledger.NewService(db)}
}

// HandleStripeWebhook processes incoming Stripe webhook events
func (h *Handler) HandleStripeWebhook(c *gin.Context) {
	// Read the request body
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// Get Stripe signature from headers
	signatureHeader := c.GetHeader("Stripe-Signature")

	// Verify webhook signature
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	event, err := webhook.ConstructEvent(payload, signatureHeader, webhookSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook signature"})
		return
	}

	// Handle specific event types
	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutSessionCompleted(c.Request.Context(), event)
	default:
		fmt.Printf("Unhandled event type: %s\n", event.Type)
	}

	// Return 200 OK to acknowledge receipt
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleCheckoutSessionCompleted credits the purchased coin pack. The
// session ID is the ledger reference, so Stripe's at-least-once
// delivery can never credit the same purchase twice.
func (h *Handler) handleCheckoutSessionCompleted(ctx context.Context, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		fmt.Printf("Error parsing checkout session: %v\n", err)
		return
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		fmt.Printf("Session %s not paid (%s), skipping\n", sess.ID, sess.PaymentStatus)
		return
	}

	userID, err := strconv.ParseUint(sess.Metadata["user_id"], 10, 64)
	if err != nil {
		fmt.Printf("Session %s has no user_id metadata\n", sess.ID)
		return
	}
	coins, err := strconv.ParseInt(sess.Metadata["coins"], 10, 64)
	if err != nil || coins <= 0 {
		fmt.Printf("Session %s has no coins metadata\n", sess.ID)
		return
	}

	err = h.Ledger.Credit(ctx, uint(userID), coins, models.TxTypeRecharge,
		sess.ID, fmt.Sprintf("%s coin pack", sess.Metadata["pack"]))
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		fmt.Printf("Session %s already credited, skipping\n", sess.ID)
		return
	}
	if err != nil {
		fmt.Printf("Failed to credit session %s: %v\n", sess.ID, err)
		return
	}

	fmt.Printf("Credited %d coins to user %d for session %s\n", coins, userID, sess.ID)

	h.payReferralBonus(ctx, uint(userID), coins, sess.ID)
}

// payReferralBonus credits the referrer a share of the referred user's
// recharge, in coins. Derived reference keeps the bonus idempotent
// alongside the recharge itself.
func (h *Handler) payReferralBonus(ctx context.Context, userID uint, coins int64, sessionID string) {
	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		fmt.Printf("User %d not found for referral bonus: %v\n", userID, err)
		return
	}

	if user.ReferredByUserID == nil {
		return
	}

	// 10% of the recharged coins, rounded down
	const bonusRate = 10
	bonus := coins * bonusRate / 100
	if bonus <= 0 {
		return
	}

	referrerID := *user.ReferredByUserID
	err := h.Ledger.Credit(ctx, referrerID, bonus, models.TxTypeReferralBonus,
		fmt.Sprintf("%s:referral", sessionID),
		fmt.Sprintf("referral bonus for user %d recharge", userID))
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return
	}
	if err != nil {
		fmt.Printf("Failed to credit referral bonus for session %s: %v\n", sessionID, err)
		return
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", referrerID).
		UpdateColumn("referral_earnings_coins", gorm.Expr("referral_earnings_coins + ?", bonus)).Error; err != nil {
		fmt.Printf("Failed to update referrer %d earnings: %v\n", referrerID, err)
		return
	}

	fmt.Printf("Credited %d bonus coins to referrer %d\n", bonus, referrerID)
}
