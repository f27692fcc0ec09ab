package types

import "math/big"

// Account holds the ledger view of a single address: the number of operations
// it has initiated and its base-currency balance. Escrow vault addresses are
// plain accounts like any other, which is what lets the engine check the held
// balance actually resident at the vault instead of trusting the record.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy so callers can mutate the copy without touching
// the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
