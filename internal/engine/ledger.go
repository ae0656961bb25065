package engine

import "outcome-exchange/internal/model"

// Ledger is the fungible token balance store. It is owned by the engine
// goroutine and is not safe for concurrent use on its own.
type Ledger struct {
	balances map[model.Account]int64
	minted   int64
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[model.Account]int64)}
}

// Mint issues new tokens. Privileged: the faucet collaborator enforces the
// per-account claim cap before calling this.
func (l *Ledger) Mint(account model.Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.balances[account] += amount
	l.minted += amount
	return nil
}

func (l *Ledger) Transfer(from, to model.Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Debit removes tokens from an account. The caller is responsible for
// crediting the other side (market pool or treasury) so conservation
// holds.
func (l *Ledger) Debit(account model.Account, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if l.balances[account] < amount {
		return ErrInsufficientBalance
	}
	l.balances[account] -= amount
	return nil
}

// Credit is the pool-to-account side of Debit.
func (l *Ledger) Credit(account model.Account, amount int64) {
	if amount <= 0 {
		return
	}
	l.balances[account] += amount
}

func (l *Ledger) BalanceOf(account model.Account) int64 { return l.balances[account] }

// Minted is the total supply ever issued.
func (l *Ledger) Minted() int64 { return l.minted }

// SumBalances is used by the conservation check.
func (l *Ledger) SumBalances() int64 {
	var sum int64
	for _, b := range l.balances {
		sum += b
	}
	return sum
}
