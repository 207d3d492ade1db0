package wallet

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/Lerfilm/opendrama-sub002/ledger"
	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"gorm.io/gorm"
)

type Handler struct {
	DB     *gorm.DB
	Ledger *ledger.Service
}

func NewHandler(db *gorm.DB) *Handler {
	// Set Stripe API key from environment
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	return &Handler{DB: db, Ledger: ledger.NewService(db)}
}

// CoinPack is a purchasable bundle of coins.
type CoinPack struct {
	Coins      int64  `json:"coins"`
	PriceCents int64  `json:"price_cents"`
	Label      string `json:"label"`
}

// coinPacks are the purchasable bundles. Larger packs carry a volume
// discount.
var coinPacks = map[string]CoinPack{
	"starter": {Coins: 100, PriceCents: 199, Label: "Starter"},
	"plus":    {Coins: 550, PriceCents: 999, Label: "Plus"},
	"studio":  {Coins: 1200, PriceCents: 1999, Label: "Studio"},
}

// GetBalance returns the user's coin balance, creating the row lazily
// for new users.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetUint("user_id")

	bal, err := h.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":   bal.Balance,
		"reserved":  bal.Reserved,
		"available": bal.Available(),
	})
}

// GetTransactions lists the user's coin movements, newest first.
func (h *Handler) GetTransactions(c *gin.Context) {
	userID := c.GetUint("user_id")

	var txns []models.CoinTransaction
	if err := h.DB.Where("user_id = ?", userID).
		Order("created_at desc").Limit(100).Find(&txns).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load transactions"})
		return
	}

	c.JSON(http.StatusOK, txns)
}

// GetCoinPacks lists the purchasable bundles.
func (h *Handler) GetCoinPacks(c *gin.Context) {
	c.JSON(http.StatusOK, coinPacks)
}

type RechargeRequest struct {
	Pack string `json:"pack" binding:"required"`
}

// CreateRechargeSession starts a Stripe Checkout session for a coin
// pack. Coins are only credited when the webhook confirms payment.
func (h *Handler) CreateRechargeSession(c *gin.Context) {
	userID := c.GetUint("user_id")

	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pack, ok := coinPacks[req.Pack]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown coin pack"})
		return
	}

	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	frontendURL := os.Getenv("FRONTEND_URL")
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s pack (%d coins)", pack.Label, pack.Coins)),
					},
					UnitAmount: stripe.Int64(pack.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(fmt.Sprintf("%s/wallet?recharge=success", frontendURL)),
		CancelURL:  stripe.String(fmt.Sprintf("%s/wallet?recharge=cancelled", frontendURL)),
	}
	if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}
	// The webhook credits coins from this metadata; the session ID is
	// the idempotency reference.
	params.Metadata = map[string]string{
		"user_id": strconv.FormatUint(uint64(userID), 10),
		"coins":   strconv.FormatInt(pack.Coins, 10),
		"pack":    req.Pack,
	}

	s, err := session.New(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkout_url": s.URL,
		"session_id":   s.ID,
	})
}
