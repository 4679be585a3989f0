package state

import (
	"fmt"
	"math/big"

	"creditmarket/native/market"
)

var (
	creditPrefix   = []byte("market/credit:")
	escrowPrefix   = []byte("market/escrow:")
	receiptPrefix   = []byte("market/receipt:")
	creditIndexKey  = []byte("market/credit-index")
	receiptIndexKey = []byte("market/receipt-index")
)

func creditKey(id [32]byte) []byte {
	buf := make([]byte, len(creditPrefix)+len(id))
	copy(buf, creditPrefix)
	copy(buf[len(creditPrefix):], id[:])
	return buf
}

func escrowKey(id [32]byte) []byte {
	buf := make([]byte, len(escrowPrefix)+len(id))
	copy(buf, escrowPrefix)
	copy(buf[len(escrowPrefix):], id[:])
	return buf
}

func receiptKey(id [32]byte) []byte {
	buf := make([]byte, len(receiptPrefix)+len(id))
	copy(buf, receiptPrefix)
	copy(buf[len(receiptPrefix):], id[:])
	return buf
}

// storedCredit mirrors market.Credit with RLP-friendly field types. RLP has
// no signed integer encoding, so timestamps are stored as uint64; an absent
// buyer is an empty byte slice.
type storedCredit struct {
	ID             [32]byte
	Owner          [20]byte
	Footprint      uint64
	ValidityPeriod uint64
	Price          *big.Int
	Status         []byte
	Buyer          []byte
	Purchased      bool
	Dispute        bool
	CreatedAt      uint64
	Deadline       uint64
	Nonce          uint64
}

func newStoredCredit(c *market.Credit) *storedCredit {
	if c == nil {
		return nil
	}
	price := big.NewInt(0)
	if c.Price != nil {
		price = new(big.Int).Set(c.Price)
	}
	stored := &storedCredit{
		ID:             c.ID,
		Owner:          c.Owner,
		Footprint:      c.Footprint,
		ValidityPeriod: c.ValidityPeriod,
		Price:          price,
		Status:         append([]byte(nil), c.Status...),
		Purchased:      c.Purchased,
		Dispute:        c.Dispute,
		CreatedAt:      uint64(c.CreatedAt),
		Deadline:       uint64(c.Deadline),
		Nonce:          c.Nonce,
	}
	if c.Buyer != nil {
		stored.Buyer = append([]byte(nil), c.Buyer[:]...)
	}
	return stored
}

func (s *storedCredit) toCredit() (*market.Credit, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil credit record")
	}
	out := &market.Credit{
		ID:             s.ID,
		Owner:          s.Owner,
		Footprint:      s.Footprint,
		ValidityPeriod: s.ValidityPeriod,
		Price:          big.NewInt(0),
		Status:         append([]byte(nil), s.Status...),
		Purchased:      s.Purchased,
		Dispute:        s.Dispute,
		CreatedAt:      int64(s.CreatedAt),
		Deadline:       int64(s.Deadline),
		Nonce:          s.Nonce,
	}
	if s.Price != nil {
		out.Price = new(big.Int).Set(s.Price)
	}
	switch len(s.Buyer) {
	case 0:
	case 20:
		var buyer [20]byte
		copy(buyer[:], s.Buyer)
		out.Buyer = &buyer
	default:
		return nil, fmt.Errorf("state: malformed buyer address")
	}
	return out, nil
}

// CreditPut persists the credit and registers its identifier in the index on
// first write.
func (m *Manager) CreditPut(c *market.Credit) error {
	sanitized, err := market.SanitizeCredit(c)
	if err != nil {
		return err
	}
	var existing storedCredit
	known, err := m.KVGet(creditKey(sanitized.ID), &existing)
	if err != nil {
		return err
	}
	if err := m.KVPut(creditKey(sanitized.ID), newStoredCredit(sanitized)); err != nil {
		return err
	}
	if !known {
		return m.indexCredit(sanitized.ID)
	}
	return nil
}

// CreditGet loads the credit by identifier.
func (m *Manager) CreditGet(id [32]byte) (*market.Credit, bool) {
	var stored storedCredit
	ok, err := m.KVGet(creditKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	credit, err := stored.toCredit()
	if err != nil {
		return nil, false
	}
	return credit, true
}

func (m *Manager) indexCredit(id [32]byte) error {
	var index [][]byte
	if _, err := m.KVGet(creditIndexKey, &index); err != nil {
		return err
	}
	index = append(index, append([]byte(nil), id[:]...))
	return m.KVPut(creditIndexKey, index)
}

// CreditList returns every stored credit in insertion order.
func (m *Manager) CreditList() ([]*market.Credit, error) {
	var index [][]byte
	if _, err := m.KVGet(creditIndexKey, &index); err != nil {
		return nil, err
	}
	credits := make([]*market.Credit, 0, len(index))
	for _, raw := range index {
		if len(raw) != 32 {
			return nil, fmt.Errorf("state: malformed credit index entry")
		}
		var id [32]byte
		copy(id[:], raw)
		credit, ok := m.CreditGet(id)
		if !ok {
			return nil, fmt.Errorf("state: indexed credit %x missing", id)
		}
		credits = append(credits, credit)
	}
	return credits, nil
}

// EscrowBalance returns the escrowed amount held for the credit.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(escrowKey(id), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// EscrowCredit increases the escrowed amount for the credit.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: escrow credit must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	return m.KVPut(escrowKey(id), new(big.Int).Add(balance, amt))
}

// EscrowDebit decreases the escrowed amount for the credit. The balance never
// goes negative.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: escrow debit must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow balance underflow")
	}
	return m.KVPut(escrowKey(id), new(big.Int).Sub(balance, amt))
}

type storedReceipt struct {
	ID     [32]byte
	Seller [20]byte
	Review []byte
}

// ReceiptPut appends the receipt to the ledger. Receipts are never updated or
// deleted.
func (m *Manager) ReceiptPut(r *market.Receipt) error {
	if r == nil {
		return fmt.Errorf("state: nil receipt")
	}
	stored := &storedReceipt{ID: r.ID, Seller: r.Seller, Review: append([]byte(nil), r.Review...)}
	if err := m.KVPut(receiptKey(r.ID), stored); err != nil {
		return err
	}
	var index [][]byte
	if _, err := m.KVGet(receiptIndexKey, &index); err != nil {
		return err
	}
	index = append(index, append([]byte(nil), r.ID[:]...))
	return m.KVPut(receiptIndexKey, index)
}

// ReceiptGet loads a single receipt by identifier.
func (m *Manager) ReceiptGet(id [32]byte) (*market.Receipt, bool) {
	var stored storedReceipt
	ok, err := m.KVGet(receiptKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &market.Receipt{ID: stored.ID, Seller: stored.Seller, Review: append([]byte(nil), stored.Review...)}, true
}

// ReceiptList returns the full ledger in emission order.
func (m *Manager) ReceiptList() ([]*market.Receipt, error) {
	var index [][]byte
	if _, err := m.KVGet(receiptIndexKey, &index); err != nil {
		return nil, err
	}
	receipts := make([]*market.Receipt, 0, len(index))
	for _, raw := range index {
		if len(raw) != 32 {
			return nil, fmt.Errorf("state: malformed receipt index entry")
		}
		var id [32]byte
		copy(id[:], raw)
		receipt, ok := m.ReceiptGet(id)
		if !ok {
			return nil, fmt.Errorf("state: indexed receipt %x missing", id)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}
