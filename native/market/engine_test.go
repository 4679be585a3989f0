package market

import (
	"errors"
	"math/big"
	"testing"

	"creditmarket/core/events"
	"creditmarket/core/types"
)

type mockState struct {
	credits  map[[32]byte]*Credit
	escrow   map[[32]byte]*big.Int
	accounts map[[20]byte]*types.Account
	receipts []*Receipt
	vault    [20]byte
}

func newMockState() *mockState {
	vault := [20]byte{0xee, 0xee}
	return &mockState{
		credits:  make(map[[32]byte]*Credit),
		escrow:   make(map[[32]byte]*big.Int),
		accounts: make(map[[20]byte]*types.Account),
		vault:    vault,
	}
}

func (m *mockState) CreditPut(c *Credit) error {
	m.credits[c.ID] = c.Clone()
	return nil
}

func (m *mockState) CreditGet(id [32]byte) (*Credit, bool) {
	c, ok := m.credits[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (m *mockState) EscrowBalance(id [32]byte) (*big.Int, error) {
	if bal, ok := m.escrow[id]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) EscrowCredit(id [32]byte, amt *big.Int) error {
	bal, ok := m.escrow[id]
	if !ok {
		bal = big.NewInt(0)
	}
	m.escrow[id] = new(big.Int).Add(bal, amt)
	return nil
}

func (m *mockState) EscrowDebit(id [32]byte, amt *big.Int) error {
	bal, ok := m.escrow[id]
	if !ok || bal.Cmp(amt) < 0 {
		return errors.New("mock: escrow underflow")
	}
	m.escrow[id] = new(big.Int).Sub(bal, amt)
	return nil
}

func (m *mockState) VaultAddress() ([20]byte, error) { return m.vault, nil }

func (m *mockState) ReceiptPut(r *Receipt) error {
	m.receipts = append(m.receipts, r.Clone())
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

// totalSupply sums every account balance. Escrowed value sits inside the
// vault account, so the sum must stay constant across every operation.
func (m *mockState) totalSupply() *big.Int {
	total := big.NewInt(0)
	for _, acc := range m.accounts {
		total.Add(total, acc.Balance)
	}
	return total
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *capturingEmitter) lastType() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

func newTestEngine(now int64) (*Engine, *mockState, *capturingEmitter) {
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, emitter
}

func addr(b byte) [20]byte {
	var a [20]byte
	a[0] = b
	return a
}

func mustCreate(t *testing.T, e *Engine, owner [20]byte, price int64, duration int64, nonce uint64) *Credit {
	t.Helper()
	credit, err := e.Create(owner, 1000, 3600, big.NewInt(price), duration, []byte("listed"), nonce)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return credit
}

func TestCreateListsCredit(t *testing.T) {
	engine, _, emitter := newTestEngine(100)
	owner := addr(1)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if credit.Phase() != PhaseListed {
		t.Fatalf("expected listed phase, got %s", credit.Phase())
	}
	if credit.CreatedAt != 100 || credit.Deadline != 600 {
		t.Fatalf("unexpected timestamps: createdAt=%d deadline=%d", credit.CreatedAt, credit.Deadline)
	}
	if credit.ID != CreditID(owner, 1) {
		t.Fatalf("identifier not derived from owner and nonce")
	}
	if emitter.lastType() != EventTypeCreated {
		t.Fatalf("expected %s event, got %s", EventTypeCreated, emitter.lastType())
	}
}

func TestCreateIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(100)
	owner := addr(1)
	first := mustCreate(t, engine, owner, 50, 500, 1)
	second, err := engine.Create(owner, 1000, 3600, big.NewInt(50), 500, []byte("listed"), 1)
	if err != nil {
		t.Fatalf("identical re-create should succeed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-create returned a different record")
	}
	if _, err := engine.Create(owner, 1000, 3600, big.NewInt(75), 500, []byte("listed"), 1); err == nil {
		t.Fatalf("conflicting definition under the same identifier must fail")
	}
}

func TestCreateRejectsInvalidInputs(t *testing.T) {
	engine, _, _ := newTestEngine(100)
	if _, err := engine.Create(addr(1), 1000, 3600, big.NewInt(50), 0, nil, 1); err == nil {
		t.Fatalf("zero duration must fail")
	}
	if _, err := engine.Create(addr(1), 1000, 3600, big.NewInt(50), 500, nil, 0); err == nil {
		t.Fatalf("zero nonce must fail")
	}
	if _, err := engine.Create(addr(1), 1000, 3600, big.NewInt(-1), 500, nil, 1); err == nil {
		t.Fatalf("negative price must fail")
	}
}

func TestBidFundsEscrow(t *testing.T) {
	engine, state, emitter := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 200)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	before := state.totalSupply()
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("buyer balance = %s, want 150", got)
	}
	bal, _ := state.EscrowBalance(credit.ID)
	if bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("escrow balance = %s, want 50", bal)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Phase() != PhaseBidded || stored.Buyer == nil || *stored.Buyer != buyer {
		t.Fatalf("buyer not associated after bid")
	}
	if state.totalSupply().Cmp(before) != 0 {
		t.Fatalf("bid changed the total token supply")
	}
	if emitter.lastType() != EventTypeBid {
		t.Fatalf("expected %s event, got %s", EventTypeBid, emitter.lastType())
	}
}

func TestBidGuards(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer, other := addr(1), addr(2), addr(3)
	state.setBalance(owner, 100)
	state.setBalance(buyer, 100)
	state.setBalance(other, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	if err := engine.Bid([32]byte{0xff}, buyer, big.NewInt(50)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
	if err := engine.Bid(credit.ID, owner, big.NewInt(50)); !errors.Is(err, ErrSelfTransaction) {
		t.Fatalf("owner self-bid: got %v, want ErrSelfTransaction", err)
	}
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := engine.Bid(credit.ID, other, big.NewInt(50)); !errors.Is(err, ErrDuplicateBid) {
		t.Fatalf("second bid: got %v, want ErrDuplicateBid", err)
	}
	// The buyer-present guard runs before the identity guard.
	if err := engine.Bid(credit.ID, owner, big.NewInt(50)); !errors.Is(err, ErrDuplicateBid) {
		t.Fatalf("owner bid after buyer: got %v, want ErrDuplicateBid", err)
	}
}

func TestBidRequiresFunds(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 10)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err == nil {
		t.Fatalf("bid exceeding the caller balance must fail")
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Buyer != nil {
		t.Fatalf("failed bid must not associate a buyer")
	}
}

func TestMarkPurchased(t *testing.T) {
	engine, state, emitter := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	if err := engine.MarkPurchased(credit.ID, buyer); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("purchase without buyer: got %v, want ErrNotParticipant", err)
	}
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("mark purchased: %v", err)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Phase() != PhasePurchased {
		t.Fatalf("expected purchased phase, got %s", stored.Phase())
	}
	emitted := len(emitter.events)
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("repeated mark purchased must be a no-op: %v", err)
	}
	if len(emitter.events) != emitted {
		t.Fatalf("idempotent repeat emitted an event")
	}
}

func TestSetPriceAndStatus(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, stranger := addr(1), addr(3)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	if err := engine.SetPrice(credit.ID, stranger, big.NewInt(80)); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger price update: got %v, want ErrNotParticipant", err)
	}
	if err := engine.SetPrice(credit.ID, owner, big.NewInt(80)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := engine.UpdateStatus(credit.ID, stranger, []byte("x")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger status update: got %v, want ErrNotParticipant", err)
	}
	if err := engine.UpdateStatus(credit.ID, owner, []byte("verified lot")); err != nil {
		t.Fatalf("update status: %v", err)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Price.Cmp(big.NewInt(80)) != 0 || string(stored.Status) != "verified lot" {
		t.Fatalf("updates not persisted: price=%s status=%q", stored.Price, stored.Status)
	}
}

func TestDisputeResolution(t *testing.T) {
	for _, tc := range []struct {
		name     string
		resolved bool
	}{
		{name: "favors owner", resolved: true},
		{name: "favors buyer", resolved: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, _ := newTestEngine(100)
			owner, buyer := addr(1), addr(2)
			state.setBalance(buyer, 100)
			credit := mustCreate(t, engine, owner, 50, 500, 1)
			if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
				t.Fatalf("bid: %v", err)
			}
			if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
				t.Fatalf("mark purchased: %v", err)
			}
			if err := engine.RaiseDispute(credit.ID, buyer); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("buyer raising dispute: got %v, want ErrUnauthorized", err)
			}
			if err := engine.RaiseDispute(credit.ID, owner); err != nil {
				t.Fatalf("raise dispute: %v", err)
			}
			if err := engine.RaiseDispute(credit.ID, owner); err != nil {
				t.Fatalf("repeated raise must be a no-op: %v", err)
			}

			before := state.totalSupply()
			if err := engine.ResolveDispute(credit.ID, owner, tc.resolved); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if tc.resolved {
				if got := state.balance(owner); got.Cmp(big.NewInt(50)) != 0 {
					t.Fatalf("owner balance = %s after resolution, want 50", got)
				}
			} else {
				if got := state.balance(buyer); got.Cmp(big.NewInt(100)) != 0 {
					t.Fatalf("buyer balance = %s after refund, want 100", got)
				}
			}
			bal, _ := state.EscrowBalance(credit.ID)
			if bal.Sign() != 0 {
				t.Fatalf("escrow not drained: %s", bal)
			}
			stored, _ := state.CreditGet(credit.ID)
			if stored.Phase() != PhaseListed || stored.Buyer != nil || stored.Purchased || stored.Dispute {
				t.Fatalf("record not reset after resolution")
			}
			if state.totalSupply().Cmp(before) != 0 {
				t.Fatalf("resolution changed the total token supply")
			}
		})
	}
}

func TestResolveDisputeGuards(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	if err := engine.ResolveDispute(credit.ID, owner, true); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("resolve without dispute: got %v, want ErrAlreadyResolved", err)
	}
	if err := engine.RaiseDispute(credit.ID, owner); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if err := engine.ResolveDispute(credit.ID, owner, true); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("resolve without buyer: got %v, want ErrInvalidBid", err)
	}
	if err := engine.ResolveDispute(credit.ID, buyer, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner resolve: got %v, want ErrUnauthorized", err)
	}
}

func TestReleasePayment(t *testing.T) {
	engine, state, emitter := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("mark purchased: %v", err)
	}

	// Deadline is 600; release at exactly 600 is still too early.
	engine.SetNowFunc(func() int64 { return 600 })
	if _, err := engine.ReleasePayment(credit.ID, owner, []byte("great seller")); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("release at deadline: got %v, want ErrDeadlineNotReached", err)
	}

	engine.SetNowFunc(func() int64 { return 601 })
	before := state.totalSupply()
	receipt, err := engine.ReleasePayment(credit.ID, owner, []byte("great seller"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if receipt.Seller != owner || string(receipt.Review) != "great seller" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if got := state.balance(owner); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("owner balance = %s after release, want 50", got)
	}
	bal, _ := state.EscrowBalance(credit.ID)
	if bal.Sign() != 0 {
		t.Fatalf("escrow not drained: %s", bal)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Phase() != PhaseListed {
		t.Fatalf("record not reset after release, phase=%s", stored.Phase())
	}
	if len(state.receipts) != 1 {
		t.Fatalf("expected one persisted receipt, got %d", len(state.receipts))
	}
	if state.totalSupply().Cmp(before) != 0 {
		t.Fatalf("release changed the total token supply")
	}
	if emitter.lastType() != EventTypeReleased {
		t.Fatalf("expected %s event, got %s", EventTypeReleased, emitter.lastType())
	}
}

func TestReleaseGuards(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if _, err := engine.ReleasePayment(credit.ID, buyer, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner release: got %v, want ErrUnauthorized", err)
	}
	if _, err := engine.ReleasePayment(credit.ID, owner, nil); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("release before purchase: got %v, want ErrInvalidTransaction", err)
	}
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("mark purchased: %v", err)
	}
	if err := engine.RaiseDispute(credit.ID, owner); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if _, err := engine.ReleasePayment(credit.ID, owner, nil); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("release while disputed: got %v, want ErrInvalidTransaction", err)
	}
	if err := engine.ResolveDispute(credit.ID, owner, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Rebuild the purchased state with an empty escrow to hit the balance
	// guard: the resolution above already drained the funds.
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("re-bid: %v", err)
	}
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("re-purchase: %v", err)
	}
	if err := state.EscrowDebit(credit.ID, big.NewInt(50)); err != nil {
		t.Fatalf("drain escrow: %v", err)
	}
	engine.SetNowFunc(func() int64 { return 601 })
	if _, err := engine.ReleasePayment(credit.ID, owner, nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("release with empty escrow: got %v, want ErrInsufficientBalance", err)
	}
}

func TestAddFunds(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(owner, 100)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)

	if err := engine.AddFunds(credit.ID, buyer, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer top-up: got %v, want ErrUnauthorized", err)
	}
	if err := engine.AddFunds(credit.ID, owner, big.NewInt(10)); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	bal, _ := state.EscrowBalance(credit.ID)
	if bal.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("escrow balance = %s, want 10", bal)
	}
}

func TestCancelSale(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer, stranger := addr(1), addr(2), addr(3)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if err := engine.CancelSale(credit.ID, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger cancel: got %v, want ErrUnauthorized", err)
	}
	if err := engine.CancelSale(credit.ID, buyer); err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer balance = %s after refund, want 100", got)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Phase() != PhaseListed {
		t.Fatalf("record not reset after cancel")
	}

	// Cancelling an already-listed record is a clean no-op reset.
	if err := engine.CancelSale(credit.ID, owner); err != nil {
		t.Fatalf("owner cancel on listed record: %v", err)
	}
}

func TestCancelAfterPurchaseKeepsEscrow(t *testing.T) {
	engine, state, _ := newTestEngine(100)
	owner, buyer := addr(1), addr(2)
	state.setBalance(buyer, 100)
	credit := mustCreate(t, engine, owner, 50, 500, 1)
	if err := engine.Bid(credit.ID, buyer, big.NewInt(50)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := engine.MarkPurchased(credit.ID, buyer); err != nil {
		t.Fatalf("mark purchased: %v", err)
	}
	if err := engine.CancelSale(credit.ID, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	bal, _ := state.EscrowBalance(credit.ID)
	if bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("escrow after post-purchase cancel = %s, want 50", bal)
	}
	stored, _ := state.CreditGet(credit.ID)
	if stored.Phase() != PhaseListed || stored.Buyer != nil {
		t.Fatalf("record not reset after post-purchase cancel")
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("buyer refunded despite purchase commitment: %s", got)
	}
}

func TestExpiredQuery(t *testing.T) {
	engine, _, _ := newTestEngine(100)
	credit := mustCreate(t, engine, addr(1), 50, 500, 1)
	// ValidityPeriod is 3600, so expiry sits at 3700.
	expired, err := engine.Expired(credit.ID, 3700)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if expired {
		t.Fatalf("record expired at exactly the expiry time")
	}
	expired, err = engine.Expired(credit.ID, 3701)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if !expired {
		t.Fatalf("record not expired past the expiry time")
	}
	if _, err := engine.Expired([32]byte{0xff}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
}
