package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/fintrackhq/ledger-service/internal/model"
	"github.com/fintrackhq/ledger-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.LedgerService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", createWalletHandler(svc))
		v1.GET("/wallets/:id/balance", balanceHandler(svc))
		v1.GET("/wallets/:id/entries", entriesHandler(svc))
		v1.POST("/wallets/:id/planned-purchase", plannedHandler(svc.ApplyPlannedPurchase))
		v1.POST("/wallets/:id/planned-income", plannedHandler(svc.ApplyPlannedIncome))
		v1.POST("/wallets/:id/verify", verifyHandler(svc))
		v1.POST("/wallets/:id/repair", repairHandler(svc))
	}
}

// userID comes from the X-User-ID header; authentication lives in front of
// this service.
func userID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid X-User-ID header"})
		return 0, false
	}
	return id, true
}

func walletID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
		return 0, false
	}
	return id, true
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientBalance):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

type createWalletReq struct {
	Name              string `json:"name" binding:"required"`
	Currency          string `json:"currency"`
	OpeningBalanceUSD string `json:"opening_balance_usd"`
}

func createWalletHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opening := decimal.Zero
		if req.OpeningBalanceUSD != "" {
			var err error
			opening, err = decimal.NewFromString(req.OpeningBalanceUSD)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid opening_balance_usd"})
				return
			}
		}
		if req.Currency == "" {
			req.Currency = "USD"
		}
		w, err := svc.CreateWallet(c, uid, req.Name, req.Currency, opening)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

type plannedReq struct {
	Amount         string  `json:"amount" binding:"required"`
	Currency       string  `json:"currency" binding:"required"`
	AmountUSD      string  `json:"amount_usd" binding:"required"`
	Description    string  `json:"description"`
	CategoryID     *uint64 `json:"category_id"`
	Date           string  `json:"date"`
	Source         string  `json:"source"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type applyFn func(ctx context.Context, op service.PlannedOperation, tx *gorm.DB) (*model.Entry, error)

func plannedHandler(apply applyFn) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		wid, ok := walletID(c)
		if !ok {
			return
		}
		var req plannedReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date := time.Now()
		if req.Date != "" {
			var err error
			date, err = time.Parse(time.RFC3339, req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
				return
			}
		}
		entry, err := apply(c, service.PlannedOperation{
			UserID:         uid,
			WalletID:       wid,
			Amount:         req.Amount,
			Currency:       req.Currency,
			AmountUSD:      req.AmountUSD,
			Description:    req.Description,
			CategoryID:     req.CategoryID,
			Date:           date,
			Source:         req.Source,
			IdempotencyKey: req.IdempotencyKey,
		}, nil)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func balanceHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		wid, ok := walletID(c)
		if !ok {
			return
		}
		bal, err := svc.GetBalance(c, wid, uid)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance_usd": bal})
	}
}

func entriesHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		wid, ok := walletID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().AddDate(0, -1, 0).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		entries, err := svc.ListEntries(c, wid, uid, limit, since)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func verifyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		wid, ok := walletID(c)
		if !ok {
			return
		}
		res, err := svc.VerifyBalanceUSD(c, wid, uid)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":           res.OK,
			"expected_usd": res.ExpectedUSD,
			"current_usd":  res.CurrentUSD,
			"diff_usd":     res.DiffUSD,
		})
	}
}

func repairHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userID(c)
		if !ok {
			return
		}
		wid, ok := walletID(c)
		if !ok {
			return
		}
		res, err := svc.RepairBalanceUSD(c, wid, uid)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"repaired": res.Repaired,
			"old_usd":  res.OldUSD,
			"new_usd":  res.NewUSD,
		})
	}
}
