package market

import (
	"bytes"
	"fmt"
	"math/big"
)

// Phase is the lifecycle position of a credit record, derived from the
// {buyer present, purchased, dispute} triple. Records return to PhaseListed
// after every settlement, resolution or cancellation; they are reusable, not
// destroyed.
type Phase uint8

const (
	PhaseListed Phase = iota
	PhaseBidded
	PhasePurchased
	PhaseDisputed
)

// String returns the canonical lowercase label used in events and RPC
// responses.
func (p Phase) String() string {
	switch p {
	case PhaseListed:
		return "listed"
	case PhaseBidded:
		return "bidded"
	case PhasePurchased:
		return "purchased"
	case PhaseDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Credit is the central marketplace aggregate: a tradable carbon-credit record
// with escrow-backed settlement. The identifier is the keccak256 hash of the
// owner address and a caller-supplied nonce, giving deterministic IDs without
// a global sequence. The escrow balance itself lives in state, keyed by the
// credit ID; the struct carries only the lifecycle and listing fields.
type Credit struct {
	ID             [32]byte
	Owner          [20]byte
	Footprint      uint64
	ValidityPeriod uint64
	Price          *big.Int
	Status         []byte
	Buyer          *[20]byte
	Purchased      bool
	Dispute        bool
	CreatedAt      int64
	Deadline       int64
	Nonce          uint64
}

// Phase derives the lifecycle phase from the record's flags.
func (c *Credit) Phase() Phase {
	switch {
	case c == nil || c.Buyer == nil:
		return PhaseListed
	case !c.Purchased:
		return PhaseBidded
	case c.Dispute:
		return PhaseDisputed
	default:
		return PhasePurchased
	}
}

// ExpiryTime returns the advisory expiry timestamp. It is independent of the
// settlement deadline and gates no operation.
func (c *Credit) ExpiryTime() int64 {
	if c == nil {
		return 0
	}
	return c.CreatedAt + int64(c.ValidityPeriod)
}

// Clone returns a deep copy of the credit so callers can safely mutate the
// copy without affecting the stored instance.
func (c *Credit) Clone() *Credit {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Price != nil {
		clone.Price = new(big.Int).Set(c.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	clone.Status = append([]byte(nil), c.Status...)
	if c.Buyer != nil {
		buyer := *c.Buyer
		clone.Buyer = &buyer
	}
	return &clone
}

// definitionEquals reports whether the immutable creation parameters of two
// records match. Used by the idempotent create path.
func (c *Credit) definitionEquals(other *Credit) bool {
	if c == nil || other == nil {
		return false
	}
	if c.Owner != other.Owner || c.Footprint != other.Footprint ||
		c.ValidityPeriod != other.ValidityPeriod || c.Nonce != other.Nonce {
		return false
	}
	if c.Price == nil || other.Price == nil || c.Price.Cmp(other.Price) != 0 {
		return false
	}
	return bytes.Equal(c.Status, other.Status)
}

// SanitizeCredit validates and normalises the supplied record, returning a
// cloned instance with a non-nil price. The function does not mutate the
// original value.
func SanitizeCredit(c *Credit) (*Credit, error) {
	if c == nil {
		return nil, fmt.Errorf("market: nil credit")
	}
	clone := c.Clone()
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("market: price must be non-negative")
	}
	if clone.Deadline < clone.CreatedAt {
		return nil, fmt.Errorf("market: deadline before creation time")
	}
	return clone, nil
}

// Receipt is the append-only artifact emitted on successful payment release.
// Receipts are terminal: no read, update or delete operation is exposed on
// them.
type Receipt struct {
	ID     [32]byte
	Seller [20]byte
	Review []byte
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Review = append([]byte(nil), r.Review...)
	return &clone
}
