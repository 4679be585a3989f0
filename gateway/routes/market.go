package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	marketDefaultTimeout = 10 * time.Second

	rpcCodeInvalidParams       = -32602
	rpcCodeMarketInvalidParams = -32021
	rpcCodeMarketNotFound      = -32022
	rpcCodeMarketForbidden     = -32023
	rpcCodeMarketConflict      = -32024
)

// marketRoutes bridges the REST surface onto the node's JSON-RPC interface.
// Gateway clients authenticate with JWTs; the bridge itself holds the node's
// bearer token for mutating methods.
type marketRoutes struct {
	target  *url.URL
	client  *http.Client
	token   string
	timeout time.Duration
	nextID  atomic.Int64
}

type marketRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type marketRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type marketRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *marketRPCError `json:"error"`
	status  int
}

func newMarketRoutes(target *url.URL, token string) (*marketRoutes, error) {
	if target == nil {
		return nil, fmt.Errorf("nil market target")
	}
	cloned := *target
	if strings.TrimSpace(cloned.Scheme) == "" {
		return nil, fmt.Errorf("market target scheme required")
	}
	if strings.TrimSpace(cloned.Host) == "" {
		return nil, fmt.Errorf("market target host required")
	}
	if strings.TrimSpace(cloned.Path) == "" {
		cloned.Path = "/"
	}
	return &marketRoutes{
		target:  &cloned,
		client:  &http.Client{Timeout: 15 * time.Second},
		token:   strings.TrimSpace(token),
		timeout: marketDefaultTimeout,
	}, nil
}

func (mr *marketRoutes) mountQueries(r chi.Router) {
	r.Get("/credits", mr.listCredits)
	r.Get("/credits/{creditID}", mr.getCredit)
	r.Get("/credits/{creditID}/expired", mr.getExpired)
	r.Get("/credits/{creditID}/escrow", mr.getEscrowBalance)
	r.Get("/receipts", mr.listReceipts)
	r.Get("/receipts/{receiptID}", mr.getReceipt)
	r.Get("/accounts/{address}/balance", mr.getBalance)
}

func (mr *marketRoutes) mountMutations(r chi.Router) {
	r.Post("/credits", mr.createCredit)
	r.Post("/credits/{creditID}/bid", mr.fundBid)
	r.Post("/credits/{creditID}/purchase", mr.markPurchased)
	r.Put("/credits/{creditID}/price", mr.setPrice)
	r.Put("/credits/{creditID}/status", mr.updateStatus)
	r.Post("/credits/{creditID}/dispute", mr.raiseDispute)
	r.Post("/credits/{creditID}/resolve", mr.resolveDispute)
	r.Post("/credits/{creditID}/release", mr.releasePayment)
	r.Post("/credits/{creditID}/funds", mr.addFunds)
	r.Post("/credits/{creditID}/cancel", mr.cancelSale)
}

type createCreditRequest struct {
	Owner          string `json:"owner"`
	Footprint      uint64 `json:"footprint"`
	ValidityPeriod uint64 `json:"validityPeriod"`
	Price          string `json:"price"`
	Duration       int64  `json:"duration"`
	Status         string `json:"status,omitempty"`
	Nonce          uint64 `json:"nonce"`
}

type actorRequest struct {
	Caller string `json:"caller"`
}

type paymentRequest struct {
	Caller  string `json:"caller"`
	Payment string `json:"payment"`
}

type priceRequest struct {
	Caller string `json:"caller"`
	Price  string `json:"price"`
}

type statusRequest struct {
	Caller string `json:"caller"`
	Status string `json:"status"`
}

type resolveRequest struct {
	Caller   string `json:"caller"`
	Resolved bool   `json:"resolved"`
}

type releaseRequest struct {
	Caller string `json:"caller"`
	Review string `json:"review,omitempty"`
}

func (mr *marketRoutes) createCredit(w http.ResponseWriter, r *http.Request) {
	var body createCreditRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forward(w, r, "credit_create", body)
}

func (mr *marketRoutes) fundBid(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_fundBid", map[string]interface{}{
		"caller": body.Caller, "payment": body.Payment,
	})
}

func (mr *marketRoutes) markPurchased(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_markPurchased", map[string]interface{}{"caller": body.Caller})
}

func (mr *marketRoutes) setPrice(w http.ResponseWriter, r *http.Request) {
	var body priceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_setPrice", map[string]interface{}{
		"caller": body.Caller, "price": body.Price,
	})
}

func (mr *marketRoutes) updateStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_updateStatus", map[string]interface{}{
		"caller": body.Caller, "status": body.Status,
	})
}

func (mr *marketRoutes) raiseDispute(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_raiseDispute", map[string]interface{}{"caller": body.Caller})
}

func (mr *marketRoutes) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_resolveDispute", map[string]interface{}{
		"caller": body.Caller, "resolved": body.Resolved,
	})
}

func (mr *marketRoutes) releasePayment(w http.ResponseWriter, r *http.Request) {
	var body releaseRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_releasePayment", map[string]interface{}{
		"caller": body.Caller, "review": body.Review,
	})
}

func (mr *marketRoutes) addFunds(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_addFunds", map[string]interface{}{
		"caller": body.Caller, "payment": body.Payment,
	})
}

func (mr *marketRoutes) cancelSale(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mr.forwardWithID(w, r, "credit_cancelSale", map[string]interface{}{"caller": body.Caller})
}

func (mr *marketRoutes) listCredits(w http.ResponseWriter, r *http.Request) {
	mr.forward(w, r, "credit_list", nil)
}

func (mr *marketRoutes) getCredit(w http.ResponseWriter, r *http.Request) {
	mr.forwardWithID(w, r, "credit_get", map[string]interface{}{})
}

func (mr *marketRoutes) getExpired(w http.ResponseWriter, r *http.Request) {
	mr.forwardWithID(w, r, "credit_expired", map[string]interface{}{})
}

func (mr *marketRoutes) getEscrowBalance(w http.ResponseWriter, r *http.Request) {
	mr.forwardWithID(w, r, "credit_escrowBalance", map[string]interface{}{})
}

func (mr *marketRoutes) listReceipts(w http.ResponseWriter, r *http.Request) {
	mr.forward(w, r, "credit_receiptList", nil)
}

func (mr *marketRoutes) getReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID := strings.TrimSpace(chi.URLParam(r, "receiptID"))
	if receiptID == "" {
		writeJSONError(w, http.StatusBadRequest, "receiptID is required")
		return
	}
	mr.forward(w, r, "credit_receiptGet", map[string]interface{}{"id": receiptID})
}

func (mr *marketRoutes) getBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeJSONError(w, http.StatusBadRequest, "address is required")
		return
	}
	mr.forward(w, r, "market_getBalance", map[string]interface{}{"address": address})
}

// forwardWithID injects the creditID path parameter into the RPC parameter
// object before forwarding.
func (mr *marketRoutes) forwardWithID(w http.ResponseWriter, r *http.Request, method string, params map[string]interface{}) {
	creditID := strings.TrimSpace(chi.URLParam(r, "creditID"))
	if creditID == "" {
		writeJSONError(w, http.StatusBadRequest, "creditID is required")
		return
	}
	params["id"] = creditID
	mr.forward(w, r, method, params)
}

func (mr *marketRoutes) forward(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	ctx, cancel := context.WithTimeout(r.Context(), mr.timeout)
	defer cancel()

	resp, err := mr.callRPC(ctx, method, params)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("%s failed: %v", method, err))
		return
	}
	if resp.Error != nil {
		writeJSONError(w, statusFromRPC(resp), resp.Error.Message)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp.Result)
}

func (mr *marketRoutes) callRPC(ctx context.Context, method string, params interface{}) (*marketRPCResponse, error) {
	payload := marketRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      mr.nextID.Add(1),
	}
	if params != nil {
		payload.Params = []interface{}{params}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mr.target.String(), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if mr.token != "" {
		req.Header.Set("Authorization", "Bearer "+mr.token)
	}
	httpResp, err := mr.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	out := &marketRPCResponse{status: httpResp.StatusCode}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

func statusFromRPC(resp *marketRPCResponse) int {
	switch resp.Error.Code {
	case rpcCodeMarketNotFound:
		return http.StatusNotFound
	case rpcCodeMarketForbidden:
		return http.StatusForbidden
	case rpcCodeMarketConflict:
		return http.StatusConflict
	case rpcCodeMarketInvalidParams, rpcCodeInvalidParams:
		return http.StatusBadRequest
	}
	if resp.status >= http.StatusBadRequest {
		return resp.status
	}
	return http.StatusBadGateway
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(out); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
