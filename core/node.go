package core

import (
	"math/big"
	"sync"
	"time"

	"creditmarket/core/events"
	cmstate "creditmarket/core/state"
	"creditmarket/core/types"
	"creditmarket/native/market"
	"creditmarket/storage"
)

// Node is the central controller: it owns the state database and serialises
// every market operation behind a single mutex, supplying the record-level
// mutual exclusion the engine requires.
type Node struct {
	db      storage.Database
	manager *cmstate.Manager
	stateMu sync.Mutex
	nowFn   func() int64

	eventsMu sync.RWMutex
	events   []*types.Event
}

// NewNode creates a node operating on the provided database.
func NewNode(db storage.Database) *Node {
	return &Node{
		db:      db,
		manager: cmstate.NewManager(db),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the node's time source. Intended for tests.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

type eventWithPayload interface {
	Event() *types.Event
}

type marketEventEmitter struct {
	node *Node
}

func (e marketEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.appendEvent(event)
}

func (n *Node) appendEvent(event *types.Event) {
	n.eventsMu.Lock()
	defer n.eventsMu.Unlock()
	n.events = append(n.events, event)
}

// Events returns a snapshot of every event emitted since the node started, in
// emission order.
func (n *Node) Events() []*types.Event {
	n.eventsMu.RLock()
	defer n.eventsMu.RUnlock()
	out := make([]*types.Event, len(n.events))
	copy(out, n.events)
	return out
}

func (n *Node) newMarketEngine() *market.Engine {
	engine := market.NewEngine()
	engine.SetState(n.manager)
	engine.SetEmitter(marketEventEmitter{node: n})
	engine.SetNowFunc(n.nowFn)
	return engine
}

// MarketCreate publishes a new credit listing.
func (n *Node) MarketCreate(owner [20]byte, footprint, validityPeriod uint64, price *big.Int, duration int64, status []byte, nonce uint64) (*market.Credit, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().Create(owner, footprint, validityPeriod, price, duration, status, nonce)
}

// MarketBid funds the escrow and associates the caller as buyer.
func (n *Node) MarketBid(id [32]byte, caller [20]byte, payment *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().Bid(id, caller, payment)
}

// MarketMarkPurchased converts the current bid into a purchase commitment.
func (n *Node) MarketMarkPurchased(id [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().MarkPurchased(id, caller)
}

// MarketSetPrice updates the listing price.
func (n *Node) MarketSetPrice(id [32]byte, caller [20]byte, price *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().SetPrice(id, caller, price)
}

// MarketUpdateStatus replaces the listing metadata.
func (n *Node) MarketUpdateStatus(id [32]byte, caller [20]byte, status []byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().UpdateStatus(id, caller, status)
}

// MarketRaiseDispute flags the record as disputed.
func (n *Node) MarketRaiseDispute(id [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().RaiseDispute(id, caller)
}

// MarketResolveDispute settles an active dispute for the owner or the buyer.
func (n *Node) MarketResolveDispute(id [32]byte, caller [20]byte, resolved bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().ResolveDispute(id, caller, resolved)
}

// MarketRelease drains the escrow to the owner and appends a receipt.
func (n *Node) MarketRelease(id [32]byte, caller [20]byte, review []byte) (*market.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().ReleasePayment(id, caller, review)
}

// MarketAddFunds joins the owner's payment into the escrow.
func (n *Node) MarketAddFunds(id [32]byte, caller [20]byte, payment *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().AddFunds(id, caller, payment)
}

// MarketCancel aborts the current sale.
func (n *Node) MarketCancel(id [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().CancelSale(id, caller)
}

// MarketExpired reports whether the credit's advisory validity window has
// elapsed at the node's current time.
func (n *Node) MarketExpired(id [32]byte) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newMarketEngine().Expired(id, n.nowFn())
}

// MarketGet loads a credit by identifier.
func (n *Node) MarketGet(id [32]byte) (*market.Credit, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	credit, ok := n.manager.CreditGet(id)
	if !ok {
		return nil, market.ErrNotFound
	}
	return credit, nil
}

// MarketList returns every stored credit in insertion order.
func (n *Node) MarketList() ([]*market.Credit, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.CreditList()
}

// MarketEscrowBalance returns the escrowed amount held for the credit.
func (n *Node) MarketEscrowBalance(id [32]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if _, ok := n.manager.CreditGet(id); !ok {
		return nil, market.ErrNotFound
	}
	return n.manager.EscrowBalance(id)
}

// ReceiptGet loads a single settlement receipt.
func (n *Node) ReceiptGet(id [32]byte) (*market.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	receipt, ok := n.manager.ReceiptGet(id)
	if !ok {
		return nil, market.ErrNotFound
	}
	return receipt, nil
}

// ReceiptList returns the full settlement ledger in emission order.
func (n *Node) ReceiptList() ([]*market.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.ReceiptList()
}

// GetAccount returns the account for the address, zero valued when absent.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.GetAccount(addr)
}

// Mint credits freshly issued value units to the address.
func (n *Node) Mint(addr []byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.Mint(addr, amount)
}
