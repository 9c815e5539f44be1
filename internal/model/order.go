package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ExternalOrder is an order produced by an external platform. FromPlatform and
// Tid identify it and never change after insert.
type ExternalOrder struct {
	FromPlatform string          `json:"from_platform"`
	Tid          string          `json:"tid"`
	Status       string          `json:"status"`
	ItemID       string          `json:"item_id,omitempty"`
	BuyerID      string          `json:"buyer_id,omitempty"`
	SellerID     string          `json:"seller_id,omitempty"`
	Count        int             `json:"count"`
	Amount       float64         `json:"amount"`
	Remark       string          `json:"remark,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
	IsDeleted    bool            `json:"is_deleted"`
	CreateTime   time.Time       `json:"create_time"`
	UpdateTime   time.Time       `json:"update_time"`
}

var (
	ErrPlatformRequired = errors.New("from_platform is required")
	ErrTidRequired      = errors.New("tid is required")
	ErrStatusRequired   = errors.New("status is required")
	ErrNegativeCount    = errors.New("count must not be negative")
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrInvalidExtra     = errors.New("extra must be valid json")
	ErrCountTooLarge    = errors.New("count exceeds 2147483647")
	ErrAmountTooLarge   = errors.New("amount must be below 10000000000")
	ErrAmountPrecision  = errors.New("amount must have at most 2 decimals")
	ErrNULCharacter     = errors.New("text fields must not contain NUL characters")
)

// Bounds of the amount NUMERIC(12,2) and count INTEGER columns.
const (
	MaxCount  = math.MaxInt32
	maxAmount = 1e10
)

func (o *ExternalOrder) Validate() error {
	switch {
	case o.FromPlatform == "":
		return ErrPlatformRequired
	case o.Tid == "":
		return ErrTidRequired
	case o.Status == "":
		return ErrStatusRequired
	case o.Count < 0:
		return ErrNegativeCount
	case o.Amount < 0:
		return ErrNegativeAmount
	case o.Count > MaxCount:
		return ErrCountTooLarge
	case o.Amount >= maxAmount || math.IsNaN(o.Amount) || math.IsInf(o.Amount, 0):
		return ErrAmountTooLarge
	case !hasCents(o.Amount):
		return ErrAmountPrecision
	case hasNUL(o.FromPlatform, o.Tid, o.Status, o.ItemID, o.BuyerID, o.SellerID, o.Remark):
		return ErrNULCharacter
	case len(o.Extra) > 0 && !json.Valid(o.Extra):
		return ErrInvalidExtra
	}
	return nil
}

// hasCents reports whether the shortest decimal form of amount has at most two
// fractional digits, so the stored value reads back unchanged.
func hasCents(amount float64) bool {
	s := strconv.FormatFloat(amount, 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	return dot < 0 || len(s)-dot-1 <= 2
}

func hasNUL(fields ...string) bool {
	for _, f := range fields {
		if strings.IndexByte(f, 0) >= 0 {
			return true
		}
	}
	return false
}

func (o *ExternalOrder) Key() string {
	return CacheKey(o.FromPlatform, o.Tid)
}

// CacheKey is the read cache key for an order identity.
func CacheKey(platform, tid string) string {
	return fmt.Sprintf("externalorder.%s.%s", platform, tid)
}

type DeleteRequest struct {
	FromPlatform string `json:"from_platform"`
	Tid          string `json:"tid"`
}

func (r DeleteRequest) Validate() error {
	if r.FromPlatform == "" {
		return ErrPlatformRequired
	}
	if r.Tid == "" {
		return ErrTidRequired
	}
	if hasNUL(r.FromPlatform, r.Tid) {
		return ErrNULCharacter
	}
	return nil
}

// UpdateRequest replaces every non-identity field of an order. Event is fed to
// the status transitioner together with the order's current status.
type UpdateRequest struct {
	Order ExternalOrder `json:"eo"`
	Event string        `json:"event"`
}

type PageResult struct {
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
	Items []ExternalOrder `json:"items"`
}
