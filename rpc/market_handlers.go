package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"creditmarket/crypto"
	"creditmarket/native/market"
)

const (
	codeMarketInvalidParams = -32021
	codeMarketNotFound      = -32022
	codeMarketForbidden     = -32023
	codeMarketConflict      = -32024
	codeMarketInternal      = -32025
)

type creditCreateParams struct {
	Owner          string `json:"owner"`
	Footprint      uint64 `json:"footprint"`
	ValidityPeriod uint64 `json:"validityPeriod"`
	Price          string `json:"price"`
	Duration       int64  `json:"duration"`
	Status         string `json:"status,omitempty"`
	Nonce          uint64 `json:"nonce"`
}

type creditIDParams struct {
	ID string `json:"id"`
}

type creditActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type creditPaymentParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Payment string `json:"payment"`
}

type creditPriceParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Price  string `json:"price"`
}

type creditStatusParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Status string `json:"status"`
}

type creditResolveParams struct {
	ID       string `json:"id"`
	Caller   string `json:"caller"`
	Resolved bool   `json:"resolved"`
}

type creditReleaseParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Review string `json:"review,omitempty"`
}

type mintParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type creditJSON struct {
	ID             string  `json:"id"`
	Owner          string  `json:"owner"`
	Footprint      uint64  `json:"footprint"`
	ValidityPeriod uint64  `json:"validityPeriod"`
	Price          string  `json:"price"`
	Status         string  `json:"status"`
	Buyer          *string `json:"buyer,omitempty"`
	Purchased      bool    `json:"purchased"`
	Disputed       bool    `json:"disputed"`
	Phase          string  `json:"phase"`
	CreatedAt      int64   `json:"createdAt"`
	Deadline       int64   `json:"deadline"`
	ExpiresAt      int64   `json:"expiresAt"`
	Nonce          uint64  `json:"nonce"`
}

type receiptJSON struct {
	ID     string `json:"id"`
	Seller string `json:"seller"`
	Review string `json:"review"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type escrowBalanceJSON struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

type expiredJSON struct {
	ID      string `json:"id"`
	Expired bool   `json:"expired"`
}

func creditToJSON(c *market.Credit) *creditJSON {
	if c == nil {
		return nil
	}
	out := &creditJSON{
		ID:             hex.EncodeToString(c.ID[:]),
		Owner:          formatAddress(c.Owner),
		Footprint:      c.Footprint,
		ValidityPeriod: c.ValidityPeriod,
		Price:          c.Price.String(),
		Status:         string(c.Status),
		Purchased:      c.Purchased,
		Disputed:       c.Dispute,
		Phase:          c.Phase().String(),
		CreatedAt:      c.CreatedAt,
		Deadline:       c.Deadline,
		ExpiresAt:      c.ExpiryTime(),
		Nonce:          c.Nonce,
	}
	if c.Buyer != nil {
		buyer := formatAddress(*c.Buyer)
		out.Buyer = &buyer
	}
	return out
}

func receiptToJSON(r *market.Receipt) *receiptJSON {
	if r == nil {
		return nil
	}
	return &receiptJSON{
		ID:     hex.EncodeToString(r.ID[:]),
		Seller: formatAddress(r.Seller),
		Review: string(r.Review),
	}
}

func (s *Server) handleCreditCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditCreateParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	price, err := parseAmount(params.Price, true)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	credit, err := s.node.MarketCreate(owner, params.Footprint, params.ValidityPeriod, price, params.Duration, []byte(params.Status), params.Nonce)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, creditToJSON(credit))
}

func (s *Server) handleCreditFundBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditPaymentParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	payment, err := parseAmount(params.Payment, false)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if err := s.node.MarketBid(id, caller, payment); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditMarkPurchased(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	if err := s.node.MarketMarkPurchased(id, caller); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditSetPrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditPriceParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	price, err := parseAmount(params.Price, true)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if err := s.node.MarketSetPrice(id, caller, price); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditUpdateStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditStatusParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	if err := s.node.MarketUpdateStatus(id, caller, []byte(params.Status)); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditRaiseDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	if err := s.node.MarketRaiseDispute(id, caller); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditResolveDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditResolveParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	if err := s.node.MarketResolveDispute(id, caller, params.Resolved); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditReleasePayment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditReleaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	receipt, err := s.node.MarketRelease(id, caller, []byte(params.Review))
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receiptToJSON(receipt))
}

func (s *Server) handleCreditAddFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditPaymentParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	payment, err := parseAmount(params.Payment, false)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if err := s.node.MarketAddFunds(id, caller, payment); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditCancelSale(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, caller, ok := parseActor(w, req, params.ID, params.Caller)
	if !ok {
		return
	}
	if err := s.node.MarketCancel(id, caller); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleMarketMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params mintParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	amount, err := parseAmount(params.Amount, false)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	if err := s.node.Mint(addr[:], amount); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleCreditGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseCreditID(params.ID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	credit, err := s.node.MarketGet(id)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, creditToJSON(credit))
}

func (s *Server) handleCreditList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	credits, err := s.node.MarketList()
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := make([]*creditJSON, 0, len(credits))
	for _, credit := range credits {
		out = append(out, creditToJSON(credit))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleCreditExpired(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseCreditID(params.ID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	expired, err := s.node.MarketExpired(id)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, &expiredJSON{ID: params.ID, Expired: expired})
}

func (s *Server) handleCreditEscrowBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseCreditID(params.ID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	balance, err := s.node.MarketEscrowBalance(id)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, &escrowBalanceJSON{ID: params.ID, Balance: balance.String()})
}

func (s *Server) handleReceiptGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params creditIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseCreditID(params.ID)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	receipt, err := s.node.ReceiptGet(id)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receiptToJSON(receipt))
}

func (s *Server) handleReceiptList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	receipts, err := s.node.ReceiptList()
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := make([]*receiptJSON, 0, len(receipts))
	for _, receipt := range receipts {
		out = append(out, receiptToJSON(receipt))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params balanceParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, &balanceJSON{
		Address: params.Address,
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseActor(w http.ResponseWriter, req *RPCRequest, id, caller string) ([32]byte, [20]byte, bool) {
	creditID, err := parseCreditID(id)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return [32]byte{}, [20]byte{}, false
	}
	addr, err := parseAddress(caller)
	if err != nil {
		writeInvalidParams(w, req.ID, err)
		return [32]byte{}, [20]byte{}, false
	}
	return creditID, addr, true
}

func parseAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], decoded.Bytes())
	return out, nil
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.CMPrefix, addr[:]).String()
}

func parseCreditID(value string) ([32]byte, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if trimmed == "" {
		return [32]byte{}, fmt.Errorf("id required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid id encoding")
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("id must be 32 bytes")
	}
	var id [32]byte
	copy(id[:], raw)
	return id, nil
}

func parseAmount(value string, allowZero bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if allowZero {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	if !allowZero && amount.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func writeInvalidParams(w http.ResponseWriter, id interface{}, err error) {
	writeError(w, http.StatusBadRequest, id, codeMarketInvalidParams, "invalid_params", err.Error())
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	switch {
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, market.ErrUnauthorized),
		errors.Is(err, market.ErrSelfTransaction),
		errors.Is(err, market.ErrNotParticipant):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, market.ErrDuplicateBid),
		errors.Is(err, market.ErrInvalidTransaction),
		errors.Is(err, market.ErrAlreadyResolved),
		errors.Is(err, market.ErrDeadlineNotReached),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrInvalidBid):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, err.Error())
}
