package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"creditmarket/crypto"
)

func newTestAddress(t testing.TB) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func createParams(owner string, nonce uint64) map[string]interface{} {
	return map[string]interface{}{
		"owner":          owner,
		"footprint":      1000,
		"validityPeriod": 3600,
		"price":          "50",
		"duration":       500,
		"status":         "listed",
		"nonce":          nonce,
	}
}

func TestCreditCreateRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.post(t, "credit_create", createParams(newTestAddress(t), 1), "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", rpcErr)
	}
}

func TestCreditCreateInvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, createParams("invalid", 1))}}
	recorder := httptest.NewRecorder()
	env.server.handleCreditCreate(recorder, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketInvalidParams {
		t.Fatalf("expected invalid_params, got %+v", rpcErr)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.post(t, "credit_unknown", nil, "")
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", rpcErr)
	}
}

func TestCreditLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t)
	owner := newTestAddress(t)
	buyer := newTestAddress(t)

	recorder := env.post(t, "market_mint", map[string]interface{}{"address": buyer, "amount": "200"}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("mint: %+v", rpcErr)
	}

	recorder = env.post(t, "credit_create", createParams(owner, 1), testAuthToken)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("create: %+v", rpcErr)
	}
	var created creditJSON
	if err := json.Unmarshal(result, &created); err != nil {
		t.Fatalf("decode credit: %v", err)
	}
	if created.Phase != "listed" || created.Owner != owner {
		t.Fatalf("unexpected created credit: %+v", created)
	}

	recorder = env.post(t, "credit_fundBid", map[string]interface{}{
		"id": created.ID, "caller": buyer, "payment": "50",
	}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("fund bid: %+v", rpcErr)
	}

	recorder = env.post(t, "credit_markPurchased", map[string]interface{}{
		"id": created.ID, "caller": buyer,
	}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("mark purchased: %+v", rpcErr)
	}

	recorder = env.post(t, "credit_escrowBalance", map[string]interface{}{"id": created.ID}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("escrow balance: %+v", rpcErr)
	}
	var escrow escrowBalanceJSON
	if err := json.Unmarshal(result, &escrow); err != nil {
		t.Fatalf("decode escrow: %v", err)
	}
	if escrow.Balance != "50" {
		t.Fatalf("escrow balance = %s, want 50", escrow.Balance)
	}

	// The engine clock still reads 100 and the deadline sits at 600.
	recorder = env.post(t, "credit_releasePayment", map[string]interface{}{
		"id": created.ID, "caller": owner, "review": "prompt",
	}, testAuthToken)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("early release status = %d, want 409", recorder.Code)
	}

	env.node.SetNowFunc(func() int64 { return 601 })
	recorder = env.post(t, "credit_releasePayment", map[string]interface{}{
		"id": created.ID, "caller": owner, "review": "prompt",
	}, testAuthToken)
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("release: %+v", rpcErr)
	}
	var receipt receiptJSON
	if err := json.Unmarshal(result, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Seller != owner || receipt.Review != "prompt" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	recorder = env.post(t, "market_getBalance", map[string]interface{}{"address": owner}, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("balance: %+v", rpcErr)
	}
	var balance balanceJSON
	if err := json.Unmarshal(result, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != big.NewInt(50).String() {
		t.Fatalf("owner balance = %s, want 50", balance.Balance)
	}

	recorder = env.post(t, "credit_receiptList", nil, "")
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("receipt list: %+v", rpcErr)
	}
	var receipts []receiptJSON
	if err := json.Unmarshal(result, &receipts); err != nil {
		t.Fatalf("decode receipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].ID != receipt.ID {
		t.Fatalf("ledger missing receipt")
	}
}

func TestCreditErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	owner := newTestAddress(t)
	buyer := newTestAddress(t)
	other := newTestAddress(t)

	for _, addr := range []string{buyer, other} {
		recorder := env.post(t, "market_mint", map[string]interface{}{"address": addr, "amount": "200"}, testAuthToken)
		if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
			t.Fatalf("mint: %+v", rpcErr)
		}
	}

	recorder := env.post(t, "credit_create", createParams(owner, 1), testAuthToken)
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("create: %+v", rpcErr)
	}
	var created creditJSON
	if err := json.Unmarshal(result, &created); err != nil {
		t.Fatalf("decode credit: %v", err)
	}

	// Unknown identifier maps to not_found.
	recorder = env.post(t, "credit_get", map[string]interface{}{
		"id": "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	}, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", recorder.Code)
	}

	// The owner bidding on their own listing maps to forbidden.
	recorder = env.post(t, "credit_fundBid", map[string]interface{}{
		"id": created.ID, "caller": owner, "payment": "50",
	}, testAuthToken)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("self bid status = %d, want 403", recorder.Code)
	}

	recorder = env.post(t, "credit_fundBid", map[string]interface{}{
		"id": created.ID, "caller": buyer, "payment": "50",
	}, testAuthToken)
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("fund bid: %+v", rpcErr)
	}

	// A second bid maps to conflict.
	recorder = env.post(t, "credit_fundBid", map[string]interface{}{
		"id": created.ID, "caller": other, "payment": "50",
	}, testAuthToken)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("duplicate bid status = %d, want 409", recorder.Code)
	}
}
