package engine

import (
	"sort"
	"time"

	"outcome-exchange/internal/model"
)

// Snapshot is the full engine state in a JSON-friendly shape. The storage
// substrate persists it so every entity survives a process restart.
type Snapshot struct {
	TakenAt      time.Time               `json:"taken_at"`
	NextMarketID uint64                  `json:"next_market_id"`
	NextOrderID  uint64                  `json:"next_order_id"`
	Minted       int64                   `json:"minted"`
	Treasury     int64                   `json:"treasury"`
	Balances     map[model.Account]int64 `json:"balances"`
	Markets      []MarketSnapshot        `json:"markets"`
	Positions    []PositionRecord        `json:"positions"`
	Orders       []model.Order           `json:"orders"`
	Claims       []ClaimRecord           `json:"claims"`
}

type MarketSnapshot struct {
	Market model.Market `json:"market"`
	Stakes []int64      `json:"stakes"`
}

type PositionRecord struct {
	MarketID    uint64        `json:"market_id"`
	Account     model.Account `json:"account"`
	OptionIndex int           `json:"option_index"`
	Staked      int64         `json:"staked"`
}

type ClaimRecord struct {
	MarketID    uint64        `json:"market_id"`
	Account     model.Account `json:"account"`
	OptionIndex int           `json:"option_index"`
}

// Snapshot captures committed state. Runs on the engine goroutine, so it
// never observes a half-applied operation.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	e.call(func() {
		s.TakenAt = e.now()
		s.NextMarketID = e.nextMarketID
		s.NextOrderID = e.nextOrderID
		s.Minted = e.ledger.Minted()
		s.Treasury = e.treasury

		s.Balances = make(map[model.Account]int64, len(e.ledger.balances))
		for acct, bal := range e.ledger.balances {
			s.Balances[acct] = bal
		}

		ids := make([]uint64, 0, len(e.markets))
		for id := range e.markets {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			ms := e.markets[id]
			m := ms.m
			m.Options = append([]string(nil), ms.m.Options...)
			s.Markets = append(s.Markets, MarketSnapshot{
				Market: m,
				Stakes: append([]int64(nil), ms.stakes...),
			})
		}

		for key, staked := range e.positions {
			if staked == 0 {
				continue
			}
			s.Positions = append(s.Positions, PositionRecord{
				MarketID: key.Market, Account: key.Account,
				OptionIndex: key.Option, Staked: staked,
			})
		}
		sort.Slice(s.Positions, func(i, j int) bool {
			a, b := s.Positions[i], s.Positions[j]
			if a.MarketID != b.MarketID {
				return a.MarketID < b.MarketID
			}
			if a.Account != b.Account {
				return a.Account < b.Account
			}
			return a.OptionIndex < b.OptionIndex
		})

		s.Orders = e.book.All()

		for key := range e.claims {
			s.Claims = append(s.Claims, ClaimRecord{
				MarketID: key.Market, Account: key.Account, OptionIndex: key.Option,
			})
		}
		sort.Slice(s.Claims, func(i, j int) bool {
			a, b := s.Claims[i], s.Claims[j]
			if a.MarketID != b.MarketID {
				return a.MarketID < b.MarketID
			}
			if a.Account != b.Account {
				return a.Account < b.Account
			}
			return a.OptionIndex < b.OptionIndex
		})
	})
	return s
}

// Restore loads a snapshot into a fresh engine. Must be called before Start.
func (e *Engine) Restore(s Snapshot) {
	e.nextMarketID = s.NextMarketID
	e.nextOrderID = s.NextOrderID
	e.treasury = s.Treasury

	e.ledger = NewLedger()
	e.ledger.minted = s.Minted
	for acct, bal := range s.Balances {
		e.ledger.balances[acct] = bal
	}

	e.markets = make(map[uint64]*marketState, len(s.Markets))
	for _, msn := range s.Markets {
		m := msn.Market
		m.Options = append([]string(nil), msn.Market.Options...)
		e.markets[m.ID] = &marketState{
			m:      m,
			stakes: append([]int64(nil), msn.Stakes...),
		}
	}

	e.positions = make(map[posKey]int64, len(s.Positions))
	for _, p := range s.Positions {
		e.positions[posKey{Market: p.MarketID, Account: p.Account, Option: p.OptionIndex}] = p.Staked
	}

	e.book = NewOrderBook()
	for i := range s.Orders {
		o := s.Orders[i]
		e.book.Restore(&o)
	}

	e.claims = make(map[posKey]bool, len(s.Claims))
	for _, c := range s.Claims {
		e.claims[posKey{Market: c.MarketID, Account: c.Account, Option: c.OptionIndex}] = true
	}
}
