package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSettled   MarketStatus = "SETTLED"
	MarketCancelled MarketStatus = "CANCELLED"

	// MarketPendingSettlement is derived, never stored: an OPEN market whose
	// deadline has passed. See EffectiveStatus.
	MarketPendingSettlement MarketStatus = "PENDING_SETTLEMENT"
)

// Account identifies a ledger account. The identity layer owns the mapping
// to real users; the engine only compares Accounts for equality.
type Account string

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	FaucetClaims int       `json:"faucet_claims"`
	CreatedAt    time.Time `json:"created_at"`
}

type Market struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Options     []string  `json:"options"`
	Deadline    time.Time `json:"deadline"`
	BaseReward  int64     `json:"base_reward"`
	TotalPool   int64     `json:"total_pool"`
	// RemainingPool is the live pool balance: equal to TotalPool while the
	// market is open, reduced by the treasury sweep at settlement and by
	// each paid claim.
	RemainingPool int64        `json:"remaining_pool"`
	Status        MarketStatus `json:"status"`
	Creator       Account      `json:"creator"`
	WinningOption *int         `json:"winning_option,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
}

// OptionStat is the per-outcome aggregate view of a market.
type OptionStat struct {
	Label      string `json:"label"`
	TotalStake int64  `json:"total_stake"`
	Holders    int    `json:"holders"`
}

type Position struct {
	MarketID    uint64  `json:"market_id"`
	Account     Account `json:"account"`
	OptionIndex int     `json:"option_index"`
	Staked      int64   `json:"staked"`
	Locked      int64   `json:"locked"`
}

// Available is the stake not reserved by active sell orders.
func (p Position) Available() int64 { return p.Staked - p.Locked }

type Order struct {
	ID          uint64    `json:"id"`
	MarketID    uint64    `json:"market_id"`
	OptionIndex int       `json:"option_index"`
	Seller      Account   `json:"seller"`
	Amount      int64     `json:"amount"`
	Price       int64     `json:"price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *uint64   `json:"market_id,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CreateMarketReq struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Options         []string `json:"options"`
	DurationSeconds int64    `json:"duration_seconds"`
	BaseReward      int64    `json:"base_reward"`
}

type StakeReq struct {
	OptionIndex int   `json:"option_index"`
	Amount      int64 `json:"amount"`
}

type CreateOrderReq struct {
	OptionIndex int   `json:"option_index"`
	Amount      int64 `json:"amount"`
	Price       int64 `json:"price"`
}

type SettleReq struct {
	WinningOption int `json:"winning_option"`
}

type ClaimReq struct {
	OptionIndex int `json:"option_index"`
}

type TransferReq struct {
	To     Account `json:"to"`
	Amount int64   `json:"amount"`
}

type WithdrawReq struct {
	// Amount 0 withdraws the full treasury balance.
	Amount int64 `json:"amount"`
}

type MarketView struct {
	Market
	EffectiveStatus MarketStatus `json:"effective_status"`
	OptionStats     []OptionStat `json:"option_stats"`
}

// ── Status / Payout ──────────────────────────────────

// EffectiveStatus reports PENDING_SETTLEMENT for open markets past their
// deadline. The stored status stays OPEN until the creator settles; only
// this derived view changes.
func EffectiveStatus(m *Market, now time.Time) MarketStatus {
	if m.Status == MarketOpen && !now.Before(m.Deadline) {
		return MarketPendingSettlement
	}
	return m.Status
}

// Payout computes a winner's share of the pool with floor division.
// The per-claim remainder is settlement dust, swept to the treasury when
// the market settles.
func Payout(totalPool, staked, winningAggregate int64) int64 {
	if winningAggregate <= 0 {
		return 0
	}
	return totalPool * staked / winningAggregate
}
