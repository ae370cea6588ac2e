package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/enrich"
)

const testToken = "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-token"

func newTestClient(t *testing.T, h http.Handler) *ChainClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewChainClient(ChainClientConfig{
		BaseURL:           srv.URL,
		Sender:            "SP000000000000000000002Q6VF78",
		RequestsPerSecond: 1000,
		Attempts:          3,
	})
}

func TestCallReadOnly_DecodesResult(t *testing.T) {
	var gotBody callReadRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/contracts/call-read/SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR/arkadiko-token/get-name", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(callReadResponse{Okay: true, Result: "0x070d0000000841726b6164696b6f"})
	}))

	v, err := client.CallReadOnly(context.Background(), testToken, "get-name")
	require.NoError(t, err)
	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "Arkadiko", s)
	assert.Equal(t, "SP000000000000000000002Q6VF78", gotBody.Sender)
	assert.NotNil(t, gotBody.Arguments)
}

func TestCallReadOnly_RefusedIsAbsent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(callReadResponse{Okay: false, Cause: "UndefinedFunction(\"get-name\")"})
	}))

	_, err := client.CallReadOnly(context.Background(), testToken, "get-name")
	assert.ErrorIs(t, err, enrich.ErrAbsent)
}

func TestContractInterface_NotFoundIsAbsentAndNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))

	_, err := client.ContractInterface(context.Background(), testToken)
	assert.ErrorIs(t, err, enrich.ErrAbsent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestContractSource_RetriesUnavailable(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "0", r.URL.Query().Get("proof"))
		_ = json.NewEncoder(w).Encode(sourceResponse{Source: "(define-fungible-token diko)"})
	}))

	src, err := client.ContractSource(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "(define-fungible-token diko)", src)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestChainClient_BadRequestFailsWithStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.ContractInterface(context.Background(), testToken)
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.NotErrorIs(t, err, enrich.ErrAbsent)
}

func TestChainClient_InvalidIdentifier(t *testing.T) {
	client := NewChainClient(ChainClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := client.CallReadOnly(context.Background(), "not-a-contract", "get-name")
	assert.Error(t, err)
}

type recordingBudget struct {
	ops []string
	err error
}

func (b *recordingBudget) Wait(ctx context.Context, op string) error {
	b.ops = append(b.ops, op)
	return b.err
}

func TestChainClient_SpendsBudgetPerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"functions":[]}`))
	}))
	t.Cleanup(srv.Close)

	budget := &recordingBudget{}
	client := NewChainClient(ChainClientConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, Attempts: 1, Budget: budget})

	_, err := client.ContractInterface(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"interface"}, budget.ops)

	budget.err = context.DeadlineExceeded
	_, err = client.ContractInterface(context.Background(), testToken)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}
