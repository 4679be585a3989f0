package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditmarket/core/events"
	"creditmarket/core/types"
)

var errNilState = errors.New("market engine: state not configured")

// engineState is the persistence surface the engine depends on. The escrow
// balance for a credit is tracked here, next to the vault account that
// physically holds the funds, so that every drain debits the record and
// credits exactly one recipient inside the same logical transaction.
type engineState interface {
	CreditPut(*Credit) error
	CreditGet(id [32]byte) (*Credit, bool)
	EscrowBalance(id [32]byte) (*big.Int, error)
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	VaultAddress() ([20]byte, error)
	ReceiptPut(*Receipt) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the credit-record business logic with external state and event
// emitters. All operations are atomic: every guard is evaluated before any
// mutation, and a failed guard leaves record and balances untouched. Callers
// provide record-level mutual exclusion; the engine itself never locks.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a market engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadCredit(id [32]byte) (*Credit, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	credit, ok := e.state.CreditGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return credit, nil
}

func (e *Engine) storeCredit(c *Credit) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.CreditPut(c)
}

func (e *Engine) transferToken(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("market: insufficient account balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// drainEscrow moves the full escrow balance of the credit to a single
// recipient. Partial drains are never performed; a zero balance is a no-op.
func (e *Engine) drainEscrow(c *Credit, recipient [20]byte) (*big.Int, error) {
	balance, err := e.state.EscrowBalance(c.ID)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return balance, nil
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferToken(vault, recipient, balance); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(c.ID, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func resetCredit(c *Credit) {
	c.Buyer = nil
	c.Purchased = false
	c.Dispute = false
}

// CreditID derives the deterministic identifier for a listing created by the
// given owner with the given nonce.
func CreditID(owner [20]byte, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return ethcrypto.Keccak256Hash(owner[:], nonceBytes[:])
}

// Create initialises and persists a new credit listing. Any caller may list;
// there is no authorization check. Re-submitting an identical definition is
// idempotent, while a conflicting definition under the same identifier fails.
func (e *Engine) Create(owner [20]byte, footprint, validityPeriod uint64, price *big.Int, duration int64, status []byte, nonce uint64) (*Credit, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalizedPrice := cloneBigInt(price)
	if normalizedPrice.Sign() < 0 {
		return nil, fmt.Errorf("market: price must be non-negative")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("market: duration must be positive")
	}
	if nonce == 0 {
		return nil, fmt.Errorf("market: nonce must be non-zero")
	}
	now := e.now()
	id := CreditID(owner, nonce)
	if existing, ok := e.state.CreditGet(id); ok {
		candidate := &Credit{
			ID:             id,
			Owner:          owner,
			Footprint:      footprint,
			ValidityPeriod: validityPeriod,
			Price:          normalizedPrice,
			Status:         status,
			Nonce:          nonce,
		}
		if !existing.definitionEquals(candidate) {
			return nil, fmt.Errorf("market: identifier already exists with different definition")
		}
		return existing, nil
	}
	credit := &Credit{
		ID:             id,
		Owner:          owner,
		Footprint:      footprint,
		ValidityPeriod: validityPeriod,
		Price:          normalizedPrice,
		Status:         append([]byte(nil), status...),
		CreatedAt:      now,
		Deadline:       now + duration,
		Nonce:          nonce,
	}
	if err := e.storeCredit(credit); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(credit))
	return credit.Clone(), nil
}

// Bid funds the escrow with the caller's payment and associates the caller as
// the record's buyer. At most one buyer may be associated at a time, and the
// owner may not bid on their own listing.
func (e *Engine) Bid(id [32]byte, caller [20]byte, payment *big.Int) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if credit.Buyer != nil {
		return ErrDuplicateBid
	}
	if err := Authorize(ActionBid, credit, caller); err != nil {
		return err
	}
	amt := cloneBigInt(payment)
	if amt.Sign() <= 0 {
		return fmt.Errorf("market: payment must be positive")
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferToken(caller, vault, amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return err
	}
	buyer := caller
	credit.Buyer = &buyer
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewBidEvent(credit, amt))
	return nil
}

// MarkPurchased converts the current bid into a purchase commitment. The
// operation is idempotent.
func (e *Engine) MarkPurchased(id [32]byte, caller [20]byte) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if credit.Buyer == nil {
		return ErrNotParticipant
	}
	if err := Authorize(ActionMarkPurchased, credit, caller); err != nil {
		return err
	}
	if credit.Purchased {
		return nil
	}
	credit.Purchased = true
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewPurchasedEvent(credit))
	return nil
}

// SetPrice updates the listing price. Owner only, any state.
func (e *Engine) SetPrice(id [32]byte, caller [20]byte, price *big.Int) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionSetPrice, credit, caller); err != nil {
		return err
	}
	normalized := cloneBigInt(price)
	if normalized.Sign() < 0 {
		return fmt.Errorf("market: price must be non-negative")
	}
	credit.Price = normalized
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewPriceUpdatedEvent(credit))
	return nil
}

// UpdateStatus replaces the free-form listing metadata. Owner only, any state.
func (e *Engine) UpdateStatus(id [32]byte, caller [20]byte, status []byte) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionUpdateStatus, credit, caller); err != nil {
		return err
	}
	credit.Status = append([]byte(nil), status...)
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewStatusUpdatedEvent(credit))
	return nil
}

// RaiseDispute flags the record as disputed. Owner only; the flag stays set
// until ResolveDispute clears it. The operation is idempotent. Raising a
// dispute while no buyer exists is permitted but yields a record that can
// only leave the disputed phase via cancellation.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionRaiseDispute, credit, caller); err != nil {
		return err
	}
	if credit.Dispute {
		return nil
	}
	credit.Dispute = true
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(credit))
	return nil
}

// ResolveDispute settles an active dispute with a binary, owner-arbitrated
// outcome: the full escrow goes to the owner when resolved is true, to the
// buyer otherwise. The record resets to the listed phase. There is no neutral
// third party; the arbiter is the owner by design of the model.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, resolved bool) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionResolveDispute, credit, caller); err != nil {
		return err
	}
	if !credit.Dispute {
		return ErrAlreadyResolved
	}
	if credit.Buyer == nil {
		return ErrInvalidBid
	}
	recipient := *credit.Buyer
	if resolved {
		recipient = credit.Owner
	}
	amount, err := e.drainEscrow(credit, recipient)
	if err != nil {
		return err
	}
	resetCredit(credit)
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(credit, resolved, recipient, amount))
	return nil
}

// ReleasePayment drains the full escrow to the owner, appends a transaction
// receipt carrying the review payload, and resets the record. Release is only
// permitted after the settlement deadline has elapsed, never before.
func (e *Engine) ReleasePayment(id [32]byte, caller [20]byte, review []byte) (*Receipt, error) {
	credit, err := e.loadCredit(id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(ActionRelease, credit, caller); err != nil {
		return nil, err
	}
	if !credit.Purchased || credit.Dispute {
		return nil, ErrInvalidTransaction
	}
	now := e.now()
	if now <= credit.Deadline {
		return nil, ErrDeadlineNotReached
	}
	if credit.Buyer == nil {
		return nil, ErrInvalidBid
	}
	balance, err := e.state.EscrowBalance(id)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	buyer := *credit.Buyer
	amount, err := e.drainEscrow(credit, credit.Owner)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		ID:     receiptID(credit.ID, credit.Owner, buyer, now),
		Seller: credit.Owner,
		Review: append([]byte(nil), review...),
	}
	if err := e.state.ReceiptPut(receipt); err != nil {
		return nil, err
	}
	resetCredit(credit)
	if err := e.storeCredit(credit); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(credit, receipt, amount))
	return receipt.Clone(), nil
}

// AddFunds joins the caller's payment into the escrow, in any state. The
// source model authorizes only the owner to top up escrow, never the buyer;
// the behavior is preserved literally.
func (e *Engine) AddFunds(id [32]byte, caller [20]byte, payment *big.Int) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionAddFunds, credit, caller); err != nil {
		return err
	}
	amt := cloneBigInt(payment)
	if amt.Sign() <= 0 {
		return fmt.Errorf("market: payment must be positive")
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferToken(caller, vault, amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return err
	}
	e.emit(NewFundsAddedEvent(credit, amt))
	return nil
}

// CancelSale aborts the current sale. Owner or buyer may cancel. The escrow
// is refunded in full to the buyer only from the bidded phase (buyer present,
// not purchased, not disputed); in every other phase the balance is left
// untouched. The record always resets cleanly, including when the escrow is
// already empty.
func (e *Engine) CancelSale(id [32]byte, caller [20]byte) error {
	credit, err := e.loadCredit(id)
	if err != nil {
		return err
	}
	if err := Authorize(ActionCancel, credit, caller); err != nil {
		return err
	}
	var refunded *big.Int
	if credit.Buyer != nil && !credit.Purchased && !credit.Dispute {
		refunded, err = e.drainEscrow(credit, *credit.Buyer)
		if err != nil {
			return err
		}
	}
	resetCredit(credit)
	if err := e.storeCredit(credit); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(credit, refunded))
	return nil
}

// Expired reports whether the credit's advisory validity window has elapsed.
// Pure query: expiry gates no operation and moves no funds.
func (e *Engine) Expired(id [32]byte, now int64) (bool, error) {
	credit, err := e.loadCredit(id)
	if err != nil {
		return false, err
	}
	return now > credit.ExpiryTime(), nil
}

func receiptID(creditID [32]byte, seller, buyer [20]byte, now int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now))
	return ethcrypto.Keccak256Hash(creditID[:], seller[:], buyer[:], ts[:])
}
