package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"outcome-exchange/internal/model"
)

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID uint64, msgType string, data any)

// PersistFunc appends a committed event to the durable event log.
// Called after the operation's effects are applied; a nil marketID means
// the event is not tied to a single market.
type PersistFunc func(evType string, marketID *uint64, payload any)

// Config carries the engine's external constants.
type Config struct {
	MinStake int64
	// Clock is injectable for deadline tests; defaults to time.Now.
	Clock func() time.Time
}

// ── Engine ───────────────────────────────────────────

// Engine owns every piece of mutable ledger state: token balances, markets,
// positions, resale orders, claims and the treasury. All mutations run on a
// single goroutine fed by a command channel, so each public operation is
// atomic and sequentially consistent: settlement observes every stake and
// order that committed before it, and nothing commits against a market
// after its settlement.
type Engine struct {
	cfg    Config
	cmdCh  chan func()
	ledger *Ledger
	book   *OrderBook

	markets   map[uint64]*marketState
	positions map[posKey]int64
	claims    map[posKey]bool
	treasury  int64

	nextMarketID uint64
	nextOrderID  uint64

	publish PublishFunc
	persist PersistFunc
	now     func() time.Time
}

type marketState struct {
	m      model.Market
	stakes []int64 // aggregate stake per option
}

func New(cfg Config, publish PublishFunc, persist PersistFunc) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		cfg:          cfg,
		cmdCh:        make(chan func(), 64),
		ledger:       NewLedger(),
		book:         NewOrderBook(),
		markets:      make(map[uint64]*marketState),
		positions:    make(map[posKey]int64),
		claims:       make(map[posKey]bool),
		nextMarketID: 1,
		nextOrderID:  1,
		publish:      publish,
		persist:      persist,
		now:          cfg.Clock,
	}
}

// Start launches the command loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd()
		}
	}
}

// call runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

func (e *Engine) emit(evType string, marketID *uint64, payload any) {
	if e.persist != nil {
		e.persist(evType, marketID, payload)
	}
	if e.publish != nil && marketID != nil {
		e.publish(*marketID, evType, payload)
	}
}

// ── Ledger operations ────────────────────────────────

// Mint issues tokens to an account. The faucet collaborator enforces claim
// caps before calling this.
func (e *Engine) Mint(account model.Account, amount int64) error {
	var err error
	e.call(func() {
		if err = e.ledger.Mint(account, amount); err != nil {
			return
		}
		e.emit("TokensMinted", nil, map[string]any{"account": account, "amount": amount})
	})
	return err
}

func (e *Engine) Transfer(from, to model.Account, amount int64) error {
	var err error
	e.call(func() {
		if err = e.ledger.Transfer(from, to, amount); err != nil {
			return
		}
		e.emit("Transfer", nil, map[string]any{"from": from, "to": to, "amount": amount})
	})
	return err
}

func (e *Engine) BalanceOf(account model.Account) int64 {
	var bal int64
	e.call(func() { bal = e.ledger.BalanceOf(account) })
	return bal
}

// ── Markets ──────────────────────────────────────────

func (e *Engine) CreateMarket(creator model.Account, name, description string, options []string, duration time.Duration, baseReward int64) (model.Market, error) {
	var (
		out model.Market
		err error
	)
	e.call(func() { out, err = e.createMarket(creator, name, description, options, duration, baseReward) })
	return out, err
}

func (e *Engine) createMarket(creator model.Account, name, description string, options []string, duration time.Duration, baseReward int64) (model.Market, error) {
	if len(options) < 2 {
		return model.Market{}, ErrInvalidOptions
	}
	if duration <= 0 {
		return model.Market{}, ErrInvalidDuration
	}
	if baseReward < 0 {
		return model.Market{}, ErrInvalidAmount
	}
	if err := e.ledger.Debit(creator, baseReward); err != nil {
		return model.Market{}, err
	}

	now := e.now()
	id := e.nextMarketID
	e.nextMarketID++

	opts := make([]string, len(options))
	copy(opts, options)

	ms := &marketState{
		m: model.Market{
			ID:            id,
			Name:          name,
			Description:   description,
			Options:       opts,
			Deadline:      now.Add(duration),
			BaseReward:    baseReward,
			TotalPool:     baseReward,
			RemainingPool: baseReward,
			Status:        model.MarketOpen,
			Creator:       creator,
			CreatedAt:     now,
		},
		stakes: make([]int64, len(opts)),
	}
	e.markets[id] = ms

	e.emit("MarketCreated", &id, map[string]any{
		"market_id": id, "name": name, "creator": creator,
		"base_reward": baseReward, "deadline": ms.m.Deadline,
	})
	log.Printf("[engine] market %d created by %s (%d options, pool %d)", id, creator, len(opts), baseReward)
	return ms.m, nil
}

func (e *Engine) GetMarket(id uint64) (model.MarketView, error) {
	var (
		out model.MarketView
		err error
	)
	e.call(func() {
		ms, ok := e.markets[id]
		if !ok {
			err = ErrNotFound
			return
		}
		out = e.marketView(ms)
	})
	return out, err
}

// ListMarkets returns every market ordered by id.
func (e *Engine) ListMarkets() []model.MarketView {
	var out []model.MarketView
	e.call(func() {
		ids := make([]uint64, 0, len(e.markets))
		for id := range e.markets {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = make([]model.MarketView, 0, len(ids))
		for _, id := range ids {
			out = append(out, e.marketView(e.markets[id]))
		}
	})
	return out
}

func (e *Engine) marketView(ms *marketState) model.MarketView {
	m := ms.m
	m.Options = append([]string(nil), ms.m.Options...)

	stats := make([]model.OptionStat, len(ms.m.Options))
	for i, label := range ms.m.Options {
		stats[i] = model.OptionStat{Label: label, TotalStake: ms.stakes[i]}
	}
	for key, staked := range e.positions {
		if key.Market == ms.m.ID && staked > 0 {
			stats[key.Option].Holders++
		}
	}
	return model.MarketView{
		Market:          m,
		EffectiveStatus: model.EffectiveStatus(&ms.m, e.now()),
		OptionStats:     stats,
	}
}

// ── Positions ────────────────────────────────────────

func (e *Engine) Stake(account model.Account, marketID uint64, option int, amount int64) error {
	var err error
	e.call(func() { err = e.stake(account, marketID, option, amount) })
	return err
}

func (e *Engine) stake(account model.Account, marketID uint64, option int, amount int64) error {
	ms, ok := e.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	switch ms.m.Status {
	case model.MarketSettled:
		return ErrAlreadySettled
	case model.MarketCancelled:
		return ErrMarketClosed
	}
	if !e.now().Before(ms.m.Deadline) {
		return ErrDeadlinePassed
	}
	if option < 0 || option >= len(ms.m.Options) {
		return ErrInvalidOption
	}
	if account == ms.m.Creator {
		return ErrCreatorCannotStake
	}
	if amount < e.cfg.MinStake {
		return ErrBelowMinimum
	}
	if err := e.ledger.Debit(account, amount); err != nil {
		return err
	}

	ms.m.TotalPool += amount
	ms.m.RemainingPool += amount
	ms.stakes[option] += amount
	e.positions[posKey{Market: marketID, Account: account, Option: option}] += amount

	e.emit("Staked", &marketID, map[string]any{
		"market_id": marketID, "account": account,
		"option_index": option, "amount": amount, "total_pool": ms.m.TotalPool,
	})
	return nil
}

// AvailableForSale is the caller's stake not reserved by active orders.
func (e *Engine) AvailableForSale(marketID uint64, account model.Account, option int) int64 {
	var avail int64
	e.call(func() { avail = e.availableForSale(posKey{Market: marketID, Account: account, Option: option}) })
	return avail
}

func (e *Engine) availableForSale(key posKey) int64 {
	return e.positions[key] - e.book.Locked(key)
}

// PositionsOf returns the account's non-zero positions across all markets,
// ordered by market then option.
func (e *Engine) PositionsOf(account model.Account) []model.Position {
	var out []model.Position
	e.call(func() {
		for key, staked := range e.positions {
			if key.Account != account || staked == 0 {
				continue
			}
			out = append(out, model.Position{
				MarketID:    key.Market,
				Account:     account,
				OptionIndex: key.Option,
				Staked:      staked,
				Locked:      e.book.Locked(key),
			})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].MarketID != out[j].MarketID {
				return out[i].MarketID < out[j].MarketID
			}
			return out[i].OptionIndex < out[j].OptionIndex
		})
	})
	return out
}

// ── Orders ───────────────────────────────────────────

func (e *Engine) CreateOrder(seller model.Account, marketID uint64, option int, amount, price int64) (model.Order, error) {
	var (
		out model.Order
		err error
	)
	e.call(func() { out, err = e.createOrder(seller, marketID, option, amount, price) })
	return out, err
}

func (e *Engine) createOrder(seller model.Account, marketID uint64, option int, amount, price int64) (model.Order, error) {
	ms, ok := e.markets[marketID]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	// Resale only while the market is live.
	switch model.EffectiveStatus(&ms.m, e.now()) {
	case model.MarketPendingSettlement:
		return model.Order{}, ErrDeadlinePassed
	case model.MarketSettled:
		return model.Order{}, ErrAlreadySettled
	case model.MarketCancelled:
		return model.Order{}, ErrMarketClosed
	}
	if option < 0 || option >= len(ms.m.Options) {
		return model.Order{}, ErrInvalidOption
	}
	if amount <= 0 || price <= 0 {
		return model.Order{}, ErrInvalidAmount
	}
	key := posKey{Market: marketID, Account: seller, Option: option}
	if amount > e.availableForSale(key) {
		return model.Order{}, ErrInsufficientPosition
	}

	o := &model.Order{
		ID:          e.nextOrderID,
		MarketID:    marketID,
		OptionIndex: option,
		Seller:      seller,
		Amount:      amount,
		Price:       price,
		Active:      true,
		CreatedAt:   e.now(),
	}
	e.nextOrderID++
	e.book.Add(o)

	e.emit("OrderCreated", &marketID, map[string]any{
		"order_id": o.ID, "market_id": marketID, "seller": seller,
		"option_index": option, "amount": amount, "price": price,
	})
	return *o, nil
}

func (e *Engine) FillOrder(buyer model.Account, orderID uint64) error {
	var err error
	e.call(func() { err = e.fillOrder(buyer, orderID) })
	return err
}

func (e *Engine) fillOrder(buyer model.Account, orderID uint64) error {
	o := e.book.Get(orderID)
	if o == nil {
		return ErrNotFound
	}
	if !o.Active {
		return ErrOrderInactive
	}
	if buyer == o.Seller {
		return ErrSelfTrade
	}
	ms := e.markets[o.MarketID]
	// Settlement and cancellation deactivate orders themselves, so only
	// the deadline can still be in the way here.
	if model.EffectiveStatus(&ms.m, e.now()) != model.MarketOpen {
		return ErrDeadlinePassed
	}
	if buyer == ms.m.Creator {
		return ErrCreatorCannotPurchase
	}
	if err := e.ledger.Transfer(buyer, o.Seller, o.Price); err != nil {
		return err
	}

	// Move the staked amount seller -> buyer; the pool is untouched.
	sellKey := posKey{Market: o.MarketID, Account: o.Seller, Option: o.OptionIndex}
	buyKey := posKey{Market: o.MarketID, Account: buyer, Option: o.OptionIndex}
	e.positions[sellKey] -= o.Amount
	e.positions[buyKey] += o.Amount
	e.book.Deactivate(orderID)

	e.emit("OrderFilled", &o.MarketID, map[string]any{
		"order_id": orderID, "market_id": o.MarketID, "buyer": buyer,
		"seller": o.Seller, "amount": o.Amount, "price": o.Price,
	})
	return nil
}

func (e *Engine) CancelOrder(caller model.Account, orderID uint64) error {
	var err error
	e.call(func() { err = e.cancelOrder(caller, orderID) })
	return err
}

func (e *Engine) cancelOrder(caller model.Account, orderID uint64) error {
	o := e.book.Get(orderID)
	if o == nil {
		return ErrNotFound
	}
	if o.Seller != caller {
		return ErrUnauthorized
	}
	if !o.Active {
		return ErrOrderInactive
	}
	e.book.Deactivate(orderID)

	e.emit("OrderCancelled", &o.MarketID, map[string]any{
		"order_id": orderID, "market_id": o.MarketID, "seller": o.Seller,
	})
	return nil
}

// OrdersForMarket returns a market's active orders, price-sorted.
func (e *Engine) OrdersForMarket(marketID uint64) ([]model.Order, error) {
	var (
		out []model.Order
		err error
	)
	e.call(func() {
		if _, ok := e.markets[marketID]; !ok {
			err = ErrNotFound
			return
		}
		out = e.book.ActiveForMarket(marketID)
	})
	return out, err
}

// ── Settlement ───────────────────────────────────────

// Settle declares the winning option. Creator-only; allowed before the
// deadline as well, since the creator already bears sole settlement
// authority. Reserves every winner's floor payout in the pool and sweeps
// the remainder (division dust, or the whole pool if nobody staked the
// winner) to the treasury.
func (e *Engine) Settle(caller model.Account, marketID uint64, winning int) error {
	var err error
	e.call(func() { err = e.settle(caller, marketID, winning) })
	return err
}

func (e *Engine) settle(caller model.Account, marketID uint64, winning int) error {
	ms, ok := e.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	if caller != ms.m.Creator {
		return ErrUnauthorized
	}
	switch ms.m.Status {
	case model.MarketSettled:
		return ErrAlreadySettled
	case model.MarketCancelled:
		return ErrMarketClosed
	}
	if winning < 0 || winning >= len(ms.m.Options) {
		return ErrInvalidOption
	}

	released := e.book.DeactivateMarket(marketID)

	aggregate := ms.stakes[winning]
	var owed int64
	for key, staked := range e.positions {
		if key.Market == marketID && key.Option == winning && staked > 0 {
			owed += model.Payout(ms.m.TotalPool, staked, aggregate)
		}
	}
	dust := ms.m.RemainingPool - owed
	e.treasury += dust
	ms.m.RemainingPool = owed

	now := e.now()
	w := winning
	ms.m.Status = model.MarketSettled
	ms.m.WinningOption = &w
	ms.m.SettledAt = &now

	e.emit("MarketSettled", &marketID, map[string]any{
		"market_id": marketID, "winning_option": winning,
		"reserved": owed, "swept": dust, "orders_released": len(released),
	})
	log.Printf("[engine] market %d settled: option %d, reserved %d, swept %d, released %d orders",
		marketID, winning, owed, dust, len(released))
	return nil
}

// CancelMarket refunds every position at face value, returns the base
// reward to the creator and releases all order locks. Terminal.
func (e *Engine) CancelMarket(caller model.Account, marketID uint64) error {
	var err error
	e.call(func() { err = e.cancelMarket(caller, marketID) })
	return err
}

func (e *Engine) cancelMarket(caller model.Account, marketID uint64) error {
	ms, ok := e.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	if caller != ms.m.Creator {
		return ErrUnauthorized
	}
	switch ms.m.Status {
	case model.MarketSettled:
		return ErrAlreadySettled
	case model.MarketCancelled:
		return ErrMarketClosed
	}

	released := e.book.DeactivateMarket(marketID)

	var refunded int64
	for key, staked := range e.positions {
		if key.Market != marketID || staked == 0 {
			continue
		}
		e.ledger.Credit(key.Account, staked)
		ms.m.RemainingPool -= staked
		refunded += staked
		e.positions[key] = 0
	}
	e.ledger.Credit(ms.m.Creator, ms.m.BaseReward)
	ms.m.RemainingPool -= ms.m.BaseReward
	for i := range ms.stakes {
		ms.stakes[i] = 0
	}
	ms.m.Status = model.MarketCancelled

	e.emit("MarketCancelled", &marketID, map[string]any{
		"market_id": marketID, "refunded": refunded,
		"base_reward": ms.m.BaseReward, "orders_released": len(released),
	})
	log.Printf("[engine] market %d cancelled: refunded %d, released %d orders", marketID, refunded, len(released))
	return nil
}

// ClaimReward pays out a winning position once.
func (e *Engine) ClaimReward(account model.Account, marketID uint64, option int) (int64, error) {
	var (
		payout int64
		err    error
	)
	e.call(func() { payout, err = e.claimReward(account, marketID, option) })
	return payout, err
}

func (e *Engine) claimReward(account model.Account, marketID uint64, option int) (int64, error) {
	ms, ok := e.markets[marketID]
	if !ok {
		return 0, ErrNotFound
	}
	if ms.m.Status != model.MarketSettled {
		return 0, ErrNotSettled
	}
	if option < 0 || option >= len(ms.m.Options) {
		return 0, ErrInvalidOption
	}
	if option != *ms.m.WinningOption {
		return 0, ErrNotWinner
	}
	key := posKey{Market: marketID, Account: account, Option: option}
	staked := e.positions[key]
	if staked == 0 {
		return 0, ErrNoPosition
	}
	if e.claims[key] {
		return 0, ErrAlreadyClaimed
	}

	payout := model.Payout(ms.m.TotalPool, staked, ms.stakes[option])
	ms.m.RemainingPool -= payout
	e.ledger.Credit(account, payout)
	e.claims[key] = true

	e.emit("RewardClaimed", &marketID, map[string]any{
		"market_id": marketID, "account": account,
		"option_index": option, "amount": payout,
	})
	return payout, nil
}

// AdminWithdraw draws from the treasury into an account. Amount 0 means
// the full treasury balance. Reserved winner payouts live in market pools,
// not the treasury, so they can never be touched here.
func (e *Engine) AdminWithdraw(to model.Account, amount int64) (int64, error) {
	var (
		withdrawn int64
		err       error
	)
	e.call(func() {
		if amount < 0 {
			err = ErrInvalidAmount
			return
		}
		if amount == 0 {
			amount = e.treasury
		}
		if amount > e.treasury {
			err = ErrInsufficientBalance
			return
		}
		e.treasury -= amount
		e.ledger.Credit(to, amount)
		withdrawn = amount
		e.emit("AdminWithdrawal", nil, map[string]any{"to": to, "amount": amount})
	})
	return withdrawn, err
}

func (e *Engine) Treasury() int64 {
	var t int64
	e.call(func() { t = e.treasury })
	return t
}

// ── Stats ────────────────────────────────────────────

// Stats exposes the conservation figures: balances + pools + treasury must
// equal the minted supply at all times.
type Stats struct {
	Minted   int64 `json:"minted"`
	Balances int64 `json:"balances"`
	Pools    int64 `json:"pools"`
	Treasury int64 `json:"treasury"`
	Markets  int   `json:"markets"`
	Orders   int   `json:"orders"`
}

func (s Stats) Conserved() bool { return s.Balances+s.Pools+s.Treasury == s.Minted }

func (e *Engine) Stats() Stats {
	var s Stats
	e.call(func() {
		s.Minted = e.ledger.Minted()
		s.Balances = e.ledger.SumBalances()
		for _, ms := range e.markets {
			s.Pools += ms.m.RemainingPool
		}
		s.Treasury = e.treasury
		s.Markets = len(e.markets)
		s.Orders = e.book.Size()
	})
	return s
}
