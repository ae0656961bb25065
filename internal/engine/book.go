package engine

import (
	"sort"

	"outcome-exchange/internal/model"
)

// posKey addresses one holder's stake on one outcome of one market.
type posKey struct {
	Market  uint64
	Account model.Account
	Option  int
}

// OrderBook indexes resale orders. Orders here fill whole, by id, so there
// are no price levels; the book tracks which orders are active per market
// and how much of each position they reserve.
type OrderBook struct {
	orders   map[uint64]*model.Order
	byMarket map[uint64]map[uint64]bool // marketID -> set of active order ids
	locks    map[posKey]int64           // reserved stake per position
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		orders:   make(map[uint64]*model.Order),
		byMarket: make(map[uint64]map[uint64]bool),
		locks:    make(map[posKey]int64),
	}
}

func (b *OrderBook) Get(orderID uint64) *model.Order { return b.orders[orderID] }

// Locked reports the stake reserved by active orders for a position.
func (b *OrderBook) Locked(key posKey) int64 { return b.locks[key] }

// Add registers an active order and locks its amount out of the seller's
// position. The caller has already validated the amount against the
// position's unlocked stake.
func (b *OrderBook) Add(o *model.Order) {
	b.orders[o.ID] = o
	ids, ok := b.byMarket[o.MarketID]
	if !ok {
		ids = make(map[uint64]bool)
		b.byMarket[o.MarketID] = ids
	}
	ids[o.ID] = true
	b.locks[sellerKey(o)] += o.Amount
}

// Deactivate marks an order inactive and releases its position lock.
// Returns nil if the order is unknown or already inactive.
func (b *OrderBook) Deactivate(orderID uint64) *model.Order {
	o, ok := b.orders[orderID]
	if !ok || !o.Active {
		return nil
	}
	o.Active = false
	if ids, ok := b.byMarket[o.MarketID]; ok {
		delete(ids, o.ID)
		if len(ids) == 0 {
			delete(b.byMarket, o.MarketID)
		}
	}
	key := sellerKey(o)
	b.locks[key] -= o.Amount
	if b.locks[key] <= 0 {
		delete(b.locks, key)
	}
	return o
}

// DeactivateMarket bulk-invalidates every active order on a market and
// returns them. Used when a market settles or is cancelled: each reserved
// amount goes back to the seller's disposable position, nothing transfers.
func (b *OrderBook) DeactivateMarket(marketID uint64) []*model.Order {
	ids := make([]uint64, 0, len(b.byMarket[marketID]))
	for id := range b.byMarket[marketID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	released := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		if o := b.Deactivate(id); o != nil {
			released = append(released, o)
		}
	}
	return released
}

// Restore reloads an order from a snapshot, locking only if still active.
func (b *OrderBook) Restore(o *model.Order) {
	if o.Active {
		b.Add(o)
		return
	}
	b.orders[o.ID] = o
}

// ActiveForMarket snapshots a market's active orders sorted by price, then
// by id for equal prices.
func (b *OrderBook) ActiveForMarket(marketID uint64) []model.Order {
	out := make([]model.Order, 0, len(b.byMarket[marketID]))
	for id := range b.byMarket[marketID] {
		out = append(out, *b.orders[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns every order ever created, for snapshots.
func (b *OrderBook) All() []model.Order {
	out := make([]model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *OrderBook) Size() int { return len(b.orders) }

func sellerKey(o *model.Order) posKey {
	return posKey{Market: o.MarketID, Account: o.Seller, Option: o.OptionIndex}
}
