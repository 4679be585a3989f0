package types

import "math/big"

// Account holds the spendable token balance for a marketplace address. The
// nonce counts state-mutating submissions accepted from the account and is
// reserved for replay protection at the transport layer.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}
