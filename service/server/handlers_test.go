package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/orbitt/service/db"
	natspkg "github.com/brojonat/orbitt/service/nats"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memOrders is an in-memory OrderReader.
type memOrders struct {
	orders  map[string]*db.Order
	members map[string][]string
	steps   map[string][]*rotation.Step
	err     error
}

func (m *memOrders) GetOrder(ctx context.Context, id string) (*db.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) ListOrders(ctx context.Context, status string) ([]*db.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*db.Order
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrders) RingAddresses(ctx context.Context, orderID string) ([]string, error) {
	return m.members[orderID], nil
}

func (m *memOrders) ListSteps(ctx context.Context, orderID string, limit int32) ([]*rotation.Step, error) {
	steps := m.steps[orderID]
	if limit > 0 && int(limit) < len(steps) {
		steps = steps[:limit]
	}
	return steps, nil
}

type fakeBalances struct {
	snap *solana.Snapshot
	err  error
}

func (f *fakeBalances) Peek(ctx context.Context, owner, mint solanago.PublicKey) (*solana.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.snap
	snap.Owner, snap.Mint = owner, mint
	return &snap, nil
}

func newTestOrders() *memOrders {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &memOrders{
		orders: map[string]*db.Order{
			"order-1": {ID: "order-1", Mint: usdcMint, OrderSize: decimal.NewFromInt(250), Status: db.OrderRunning, RingSize: 2, CreatedAt: created, UpdatedAt: created},
			"order-2": {ID: "order-2", Mint: usdcMint, Status: db.OrderPending, RingSize: 3, CreatedAt: created, UpdatedAt: created},
		},
		members: map[string][]string{
			"order-1": {"AddrA", "AddrB"},
		},
		steps: map[string][]*rotation.Step{
			"order-1": {
				{ID: uuid.New(), OrderID: "order-1", Index: 1, Action: rotation.ActionSell, Status: rotation.StepCompleted, RelativeNative: decimal.RequireFromString("0.2")},
				{ID: uuid.New(), OrderID: "order-1", Index: 0, Action: rotation.ActionBuy, Status: rotation.StepFailed, Error: "boom"},
			},
		},
	}
}

func newTestServer(orders OrderReader, balances BalanceReader) *Server {
	return New(":0", orders, balances, nil, testLogger())
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetOrder(t *testing.T) {
	h := newTestServer(newTestOrders(), nil).Handler()

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		check          func(t *testing.T, body []byte)
	}{
		{
			name:           "existing order with ring",
			target:         "/api/v1/orders/order-1",
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp orderResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, "order-1", resp.ID)
				assert.Equal(t, "250", resp.OrderSize)
				assert.Equal(t, db.OrderRunning, resp.Status)
				assert.Equal(t, []string{"AddrA", "AddrB"}, resp.Members)
			},
		},
		{
			name:           "unknown order",
			target:         "/api/v1/orders/nope",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid id",
			target:         "/api/v1/orders/bad;id",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestGetOrder_StoreError(t *testing.T) {
	orders := newTestOrders()
	orders.err = errors.New("connection reset")
	rec := do(t, newTestServer(orders, nil).Handler(), http.MethodGet, "/api/v1/orders/order-1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestListOrders(t *testing.T) {
	h := newTestServer(newTestOrders(), nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Orders []orderResponse `json:"orders"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = do(t, h, http.MethodGet, "/api/v1/orders?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "order-2", resp.Orders[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/orders?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSteps(t *testing.T) {
	h := newTestServer(newTestOrders(), nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/orders/order-1/steps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OrderID string              `json:"order_id"`
		Steps   []natspkg.StepEvent `json:"steps"`
		Count   int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "order-1", resp.OrderID)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "0.2000", resp.Steps[0].RelativeNative)
	assert.Equal(t, string(rotation.StepFailed), resp.Steps[1].Status)
	assert.Equal(t, "boom", resp.Steps[1].Error)

	rec = do(t, h, http.MethodGet, "/api/v1/orders/order-1/steps?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	for _, limit := range []string{"0", "-1", "abc", "1001"} {
		rec = do(t, h, http.MethodGet, "/api/v1/orders/order-1/steps?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/orders/nope/steps", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBalance(t *testing.T) {
	owner := solanago.NewWallet().PublicKey().String()
	snap, err := solana.NewSnapshot(solanago.PublicKey{}, solanago.PublicKey{}, solanago.PublicKey{}, 2_000_000_000, 3_000_000, 6)
	require.NoError(t, err)

	t.Run("disabled without reader", func(t *testing.T) {
		h := newTestServer(newTestOrders(), nil).Handler()
		rec := do(t, h, http.MethodGet, "/api/v1/balances/"+owner+"?mint="+usdcMint, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns snapshot", func(t *testing.T) {
		h := newTestServer(newTestOrders(), &fakeBalances{snap: snap}).Handler()
		rec := do(t, h, http.MethodGet, "/api/v1/balances/"+owner+"?mint="+usdcMint, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp balanceResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, owner, resp.Owner)
		assert.Equal(t, usdcMint, resp.Mint)
		assert.Equal(t, uint64(2_000_000_000), resp.Lamports)
		assert.Equal(t, uint64(3_000_000), resp.TokenAmount)
		assert.Equal(t, "2", resp.NativeUI)
		assert.Equal(t, "3", resp.TokenUI)
	})

	t.Run("bad input", func(t *testing.T) {
		h := newTestServer(newTestOrders(), &fakeBalances{snap: snap}).Handler()
		for _, target := range []string{
			"/api/v1/balances/" + owner,
			"/api/v1/balances/" + owner + "?mint=0OIl",
			"/api/v1/balances/not-base58!?mint=" + usdcMint,
		} {
			rec := do(t, h, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
	})

	t.Run("rpc failure", func(t *testing.T) {
		h := newTestServer(newTestOrders(), &fakeBalances{err: errors.New("429 too many requests")}).Handler()
		rec := do(t, h, http.MethodGet, "/api/v1/balances/"+owner+"?mint="+usdcMint, "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("unknown mint", func(t *testing.T) {
		h := newTestServer(newTestOrders(), &fakeBalances{err: solana.ErrDecimalsUnavailable}).Handler()
		rec := do(t, h, http.MethodGet, "/api/v1/balances/"+owner+"?mint="+usdcMint, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// memRotationOrders backs OrderRotations for handler tests.
type memRotationOrders struct {
	orders map[string]*db.Order
}

func (m *memRotationOrders) GetOrder(ctx context.Context, id string) (*db.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memRotationOrders) UpdateOrderStatus(ctx context.Context, id, status string, workflowID *string) (*db.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	o.Status = status
	if workflowID != nil {
		o.WorkflowID = workflowID
	}
	cp := *o
	return &cp, nil
}

func TestRotationControl(t *testing.T) {
	rotator := temporal.NewMockRotator()
	store := &memRotationOrders{orders: map[string]*db.Order{
		"order-1": {ID: "order-1", Status: db.OrderPending, RingSize: 3},
		"halted":  {ID: "halted", Status: db.OrderHalted, RingSize: 3},
	}}
	defaults := temporal.RotationInput{StepsPerRun: 100, StepDelay: time.Minute, MaxSteps: 10}
	h := newTestServer(newTestOrders(), nil).
		WithRotations(temporal.NewOrderRotations(rotator, store), defaults).
		Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/orders/order-1/rotation", `{"start":2,"max_steps":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, db.OrderRunning, resp.Status)
	require.NotNil(t, resp.WorkflowID)
	assert.Equal(t, "rotation-order-1", *resp.WorkflowID)

	in, ok := rotator.Input("order-1")
	require.True(t, ok)
	assert.Equal(t, 2, in.Index)
	assert.Equal(t, 5, in.MaxSteps)
	assert.Equal(t, 100, in.StepsPerRun)
	assert.Equal(t, time.Minute, in.StepDelay)

	rec = do(t, h, http.MethodPost, "/api/v1/orders/order-1/rotation", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "already running")

	rec = do(t, h, http.MethodPost, "/api/v1/orders/halted/rotation", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/orders/halted/rotation", `{"force":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	in, _ = rotator.Input("halted")
	assert.Equal(t, 10, in.MaxSteps, "defaults apply without max_steps")

	rec = do(t, h, http.MethodPost, "/api/v1/orders/nope/rotation", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/orders/order-1/rotation", `{"start":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/orders/order-1/rotation", `{"start":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/orders/order-1/rotation", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, db.OrderStopped, resp.Status)
	assert.False(t, rotator.IsRunning("order-1"))
}

func TestRotationControl_Disabled(t *testing.T) {
	h := newTestServer(newTestOrders(), nil).Handler()
	rec := do(t, h, http.MethodPost, "/api/v1/orders/order-1/rotation", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	h := newTestServer(newTestOrders(), nil).Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodOptions, "/api/v1/orders", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValidateOrderID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"order-1", false},
		{"a.b_c-9", false},
		{"", true},
		{strings.Repeat("a", maxOrderIDLength+1), true},
		{"drop table;", true},
		{"white space", true},
	}
	for _, tt := range tests {
		err := validateOrderID(tt.id)
		if tt.wantErr {
			assert.Error(t, err, tt.id)
		} else {
			assert.NoError(t, err, tt.id)
		}
	}
}
