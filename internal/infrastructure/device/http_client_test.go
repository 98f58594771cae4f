package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cashsettle/internal/settlement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", 0)
}

func TestHTTPClient_StartTransaction(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req startTransactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(1200), req.Amount)
		assert.Equal(t, "C-9", req.CustomerRef)

		_ = json.NewEncoder(w).Encode(map[string]string{"transaction_id": "TX-1"})
	})

	id, err := client.StartTransaction(context.Background(), settlement.Billing{CustomerRef: "C-9", Amount: 1200})
	require.NoError(t, err)
	assert.Equal(t, "TX-1", id)
}

func TestHTTPClient_StartTransactionMissingID(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.StartTransaction(context.Background(), settlement.Billing{Amount: 100})
	assert.Error(t, err)
}

func TestHTTPClient_GetTransaction(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/transactions/TX-1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"transaction_id": "TX-1",
			"device_status": "begin_deposit",
			"deposit_amount": 1500,
			"change_amount": 0,
			"fix_confirmed": false,
			"can_payout_change": true
		}`))
	})

	snap, err := client.GetTransaction(context.Background(), "TX-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.DeviceBeginDeposit, snap.DeviceStatus)
	assert.Equal(t, int64(1500), snap.DepositAmount)
	require.NotNil(t, snap.CanPayoutChange)
	assert.True(t, *snap.CanPayoutChange)
}

func TestHTTPClient_GetTransactionUnknownStatus(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction_id":"TX-1","device_status":"melting"}`))
	})

	_, err := client.GetTransaction(context.Background(), "TX-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "melting")
}

func TestHTTPClient_FixAndCancel(t *testing.T) {
	var paths []string
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.FixDeposit(context.Background()))
	require.NoError(t, client.CancelTransaction(context.Background()))
	assert.Equal(t, []string{"/transactions/current/fix", "/transactions/current/cancel"}, paths)
}

func TestHTTPClient_NonSuccessStatus(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hopper jammed", http.StatusConflict)
	})

	err := client.FixDeposit(context.Background())
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "hopper jammed", statusErr.Body)
	assert.Equal(t, "/transactions/current/fix", statusErr.Path)
}

func TestHTTPClient_GetMachineStatus(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/machine/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"state":"error","error_code":"E12","message":"bill jam"}`))
	})

	status, err := client.GetMachineStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "error", status.State)
	assert.Equal(t, "E12", status.ErrorCode)
	assert.Equal(t, "bill jam", status.Message)
	assert.False(t, status.CheckedAt.IsZero())
}

func TestHTTPClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetTransaction(ctx, "TX-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
