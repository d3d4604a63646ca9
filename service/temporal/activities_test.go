package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/orbitt/service/nats"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/swap"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mock RingSource
type MockRings struct {
	mock.Mock
}

func (m *MockRings) GetRing(ctx context.Context, orderID string) (rotation.Ring, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(rotation.Ring), args.Error(1)
}

// Mock Inspector
type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) Inspect(ctx context.Context, signer solanago.PrivateKey, mint solanago.PublicKey) (*solana.Snapshot, error) {
	args := m.Called(ctx, signer.PublicKey(), mint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.Snapshot), args.Error(1)
}

// Mock Swapper
type MockSwapper struct {
	mock.Mock
}

func (m *MockSwapper) Swap(ctx context.Context, req swap.Request) (*solana.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.Outcome), args.Error(1)
}

// Mock Forwarder
type MockForwarder struct {
	mock.Mock
}

func (m *MockForwarder) SendCombined(ctx context.Context, req solana.CombinedTransfer) (*solana.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.TransferResult), args.Error(1)
}

// Mock Ledger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) RecordStep(ctx context.Context, step *rotation.Step) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

// Mock OrderStatusUpdater
type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) SetOrderStatus(ctx context.Context, orderID, status string) error {
	args := m.Called(ctx, orderID, status)
	return args.Error(0)
}

type activityFixture struct {
	ring      rotation.Ring
	rings     *MockRings
	inspector *MockInspector
	swapper   *MockSwapper
	forwarder *MockForwarder
	ledger    *MockLedger
	events    *nats.MockPublisher
	orders    *MockOrders
	acts      *Activities
}

func newActivityFixture(t *testing.T) *activityFixture {
	t.Helper()
	f := &activityFixture{
		ring: rotation.Ring{
			OrderID: "order-1",
			Mint:    wfMint,
			Members: []solanago.PrivateKey{
				solanago.NewWallet().PrivateKey,
				solanago.NewWallet().PrivateKey,
				solanago.NewWallet().PrivateKey,
			},
		},
		rings:     new(MockRings),
		inspector: new(MockInspector),
		swapper:   new(MockSwapper),
		forwarder: new(MockForwarder),
		ledger:    new(MockLedger),
		events:    nats.NewMockPublisher(),
		orders:    new(MockOrders),
	}
	f.rings.On("GetRing", mock.Anything, "order-1").Return(f.ring, nil).Maybe()

	cfg := rotation.DefaultConfig()
	cfg.SettleDelay, cfg.StepDelay, cfg.CoolDown = 0, 0, 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stepper := rotation.NewStepper(f.inspector, f.swapper, f.forwarder, cfg, nil, logger)
	f.acts = NewActivities(f.rings, stepper, f.ledger, f.events, f.orders, nil, logger)
	return f
}

func (f *activityFixture) snapshot(index int, lamports, tokens uint64, relativeNative string) *solana.Snapshot {
	return &solana.Snapshot{
		Owner:          f.ring.Members[index].PublicKey(),
		Mint:           f.ring.Mint,
		Lamports:       lamports,
		TokenAmount:    tokens,
		Decimals:       6,
		RelativeNative: decimal.RequireFromString(relativeNative),
	}
}

func errType(t *testing.T, err error) string {
	t.Helper()
	var appErr *temporalsdk.ApplicationError
	require.True(t, errors.As(err, &appErr), "expected application error, got %v", err)
	return appErr.Type()
}

func TestInspectBalance(t *testing.T) {
	t.Run("returns snapshot", func(t *testing.T) {
		f := newActivityFixture(t)
		owner := f.ring.Members[1].PublicKey()
		f.inspector.On("Inspect", mock.Anything, owner, wfMint).
			Return(f.snapshot(1, 2_000_000_000, 10, "0.6"), nil).Once()

		snap, err := f.acts.InspectBalance(context.Background(), StepInput{OrderID: "order-1", Index: 1})
		require.NoError(t, err)
		assert.Equal(t, owner, snap.Owner)
		assert.Equal(t, uint64(2_000_000_000), snap.Lamports)
		f.inspector.AssertExpectations(t)
	})

	t.Run("index out of range is not retried", func(t *testing.T) {
		f := newActivityFixture(t)
		_, err := f.acts.InspectBalance(context.Background(), StepInput{OrderID: "order-1", Index: 3})
		require.Error(t, err)
		assert.Equal(t, ErrTypeInvalidInput, errType(t, err))
	})

	t.Run("ring load error is retryable", func(t *testing.T) {
		f := newActivityFixture(t)
		f.rings.ExpectedCalls = nil
		f.rings.On("GetRing", mock.Anything, "order-1").Return(rotation.Ring{}, errors.New("connection refused"))

		_, err := f.acts.InspectBalance(context.Background(), StepInput{OrderID: "order-1", Index: 0})
		require.Error(t, err)
		var appErr *temporalsdk.ApplicationError
		assert.False(t, errors.As(err, &appErr))
		assert.Contains(t, err.Error(), "failed to load ring")
	})

	t.Run("empty portfolio is not retried", func(t *testing.T) {
		f := newActivityFixture(t)
		f.inspector.On("Inspect", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("owner x: %w", solana.ErrEmptyPortfolio))

		_, err := f.acts.InspectBalance(context.Background(), StepInput{OrderID: "order-1", Index: 0})
		require.Error(t, err)
		assert.Equal(t, ErrTypeInsufficientFunds, errType(t, err))
	})
}

func TestExecuteTrade(t *testing.T) {
	t.Run("buys when native share is high", func(t *testing.T) {
		f := newActivityFixture(t)
		snap := f.snapshot(0, 1_000_000_000, 0, "1")
		f.swapper.On("Swap", mock.Anything, mock.MatchedBy(func(req swap.Request) bool {
			return req.InputMint.Equals(solanago.WrappedSol) &&
				req.OutputMint.Equals(wfMint) &&
				req.Amount == 100_000_000
		})).Return(&solana.Outcome{Status: solana.StatusConfirmed, Signature: solanago.Signature{7}}, nil).Once()

		result, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0, Snapshot: snap})
		require.NoError(t, err)
		assert.Equal(t, rotation.ActionBuy, result.Action)
		assert.Equal(t, uint64(100_000_000), result.Amount)
		assert.Equal(t, solanago.Signature{7}.String(), result.Signature)
		assert.Empty(t, result.Error)
		f.swapper.AssertExpectations(t)
	})

	t.Run("expired swap is reported not returned", func(t *testing.T) {
		f := newActivityFixture(t)
		snap := f.snapshot(0, 100, 1_000, "0.1")
		f.swapper.On("Swap", mock.Anything, mock.Anything).
			Return(&solana.Outcome{Status: solana.StatusExpired, Signature: solanago.Signature{3}}, fmt.Errorf("%w: swap", solana.ErrExpired))

		result, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0, Snapshot: snap})
		require.NoError(t, err)
		assert.Equal(t, rotation.ActionSell, result.Action)
		assert.Equal(t, uint64(100), result.Amount)
		assert.Equal(t, solanago.Signature{3}.String(), result.Signature)
		assert.Contains(t, result.Error, "expired")
	})

	t.Run("quote and simulation failures fail the activity", func(t *testing.T) {
		tests := []struct {
			err  error
			want string
		}{
			{fmt.Errorf("%w: no route", solana.ErrQuoteUnavailable), ErrTypeQuoteUnavailable},
			{&solana.SimulationError{Err: "custom", Logs: []string{"log"}}, ErrTypeSimulationFailed},
		}
		for _, tt := range tests {
			f := newActivityFixture(t)
			snap := f.snapshot(0, 100, 1_000, "0.1")
			f.swapper.On("Swap", mock.Anything, mock.Anything).Return(nil, tt.err)

			result, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0, Snapshot: snap})
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.want, errType(t, err))
		}
	})

	t.Run("ambiguous swap stops the rotation", func(t *testing.T) {
		f := newActivityFixture(t)
		snap := f.snapshot(0, 100, 1_000, "0.1")
		f.swapper.On("Swap", mock.Anything, mock.Anything).
			Return(&solana.Outcome{Status: solana.StatusUnknown}, solana.ErrAmbiguousOutcome)

		_, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0, Snapshot: snap})
		require.Error(t, err)
		assert.Equal(t, ErrTypeAmbiguousOutcome, errType(t, err))
	})

	t.Run("snapshot of another member is rejected", func(t *testing.T) {
		f := newActivityFixture(t)
		snap := f.snapshot(1, 100, 1_000, "0.1")

		_, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0, Snapshot: snap})
		require.Error(t, err)
		assert.Equal(t, ErrTypeInvalidInput, errType(t, err))
		f.swapper.AssertNotCalled(t, "Swap", mock.Anything, mock.Anything)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		f := newActivityFixture(t)
		_, err := f.acts.ExecuteTrade(context.Background(), ExecuteTradeInput{OrderID: "order-1", Index: 0})
		require.Error(t, err)
		assert.Equal(t, ErrTypeInvalidInput, errType(t, err))
	})
}

func TestForwardFunds(t *testing.T) {
	t.Run("forwards to the next member and wraps", func(t *testing.T) {
		f := newActivityFixture(t)
		from := f.ring.Members[2].PublicKey()
		to := f.ring.Members[0].PublicKey()
		f.inspector.On("Inspect", mock.Anything, from, wfMint).Return(f.snapshot(2, 1_000, 200, "0.5"), nil)
		f.forwarder.On("SendCombined", mock.Anything, mock.MatchedBy(func(req solana.CombinedTransfer) bool {
			return req.To.Equals(to) && req.Lamports == 900 && req.Tokens == 180
		})).Return(&solana.TransferResult{Signature: solanago.Signature{3}, Lamports: 900, Tokens: 180}, nil).Once()

		result, err := f.acts.ForwardFunds(context.Background(), StepInput{OrderID: "order-1", Index: 2})
		require.NoError(t, err)
		assert.Equal(t, 0, result.NextIndex)
		assert.Equal(t, to.String(), result.To)
		assert.Equal(t, uint64(900), result.Lamports)
		assert.Equal(t, uint64(180), result.Tokens)
		assert.Equal(t, solanago.Signature{3}.String(), result.Signature)
		f.forwarder.AssertExpectations(t)
	})

	t.Run("simulation failure is not retried", func(t *testing.T) {
		f := newActivityFixture(t)
		f.inspector.On("Inspect", mock.Anything, mock.Anything, mock.Anything).Return(f.snapshot(0, 1_000, 200, "0.5"), nil)
		f.forwarder.On("SendCombined", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("custom program error: %w", solana.ErrSimulationFailed))

		_, err := f.acts.ForwardFunds(context.Background(), StepInput{OrderID: "order-1", Index: 0})
		require.Error(t, err)
		assert.Equal(t, ErrTypeSimulationFailed, errType(t, err))
	})

	t.Run("exhausted submissions surface as plain errors", func(t *testing.T) {
		f := newActivityFixture(t)
		f.inspector.On("Inspect", mock.Anything, mock.Anything, mock.Anything).Return(f.snapshot(0, 1_000, 200, "0.5"), nil)
		f.forwarder.On("SendCombined", mock.Anything, mock.Anything).Return(nil, solana.ErrSubmissionExhausted)

		_, err := f.acts.ForwardFunds(context.Background(), StepInput{OrderID: "order-1", Index: 0})
		require.Error(t, err)
		assert.ErrorIs(t, err, solana.ErrSubmissionExhausted)
	})
}

func TestRecordStep(t *testing.T) {
	step := rotation.Step{
		ID:      uuid.New(),
		OrderID: "order-1",
		Index:   1,
		Action:  rotation.ActionSell,
		Status:  rotation.StepCompleted,
	}

	t.Run("stores and publishes", func(t *testing.T) {
		f := newActivityFixture(t)
		f.ledger.On("RecordStep", mock.Anything, mock.MatchedBy(func(s *rotation.Step) bool {
			return s.ID == step.ID
		})).Return(nil).Once()

		require.NoError(t, f.acts.RecordStep(context.Background(), RecordStepInput{Step: step}))
		f.ledger.AssertExpectations(t)

		events := f.events.GetPublishedEventsForOrder("order-1")
		require.Len(t, events, 1)
		assert.Equal(t, step.ID.String(), events[0].StepID)
	})

	t.Run("ledger failure is returned", func(t *testing.T) {
		f := newActivityFixture(t)
		f.ledger.On("RecordStep", mock.Anything, mock.Anything).Return(errors.New("db down"))

		err := f.acts.RecordStep(context.Background(), RecordStepInput{Step: step})
		require.Error(t, err)
		assert.Empty(t, f.events.GetPublishedEvents(), "nothing published before the step is stored")
	})

	t.Run("publish failure is only logged", func(t *testing.T) {
		f := newActivityFixture(t)
		f.ledger.On("RecordStep", mock.Anything, mock.Anything).Return(nil)
		f.events.SetPublishError(errors.New("nats down"))

		assert.NoError(t, f.acts.RecordStep(context.Background(), RecordStepInput{Step: step}))
	})
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newActivityFixture(t)
	f.orders.On("SetOrderStatus", mock.Anything, "order-1", "halted").Return(nil).Once()
	require.NoError(t, f.acts.UpdateOrderStatus(context.Background(), UpdateOrderStatusInput{OrderID: "order-1", Status: "halted"}))
	f.orders.AssertExpectations(t)

	f.orders.On("SetOrderStatus", mock.Anything, "order-2", "completed").Return(errors.New("not found"))
	assert.Error(t, f.acts.UpdateOrderStatus(context.Background(), UpdateOrderStatusInput{OrderID: "order-2", Status: "completed"}))

	noOrders := NewActivities(f.rings, nil, nil, nil, nil, nil, nil)
	assert.NoError(t, noOrders.UpdateOrderStatus(context.Background(), UpdateOrderStatusInput{OrderID: "order-1", Status: "halted"}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		wantType string
	}{
		{fmt.Errorf("x: %w", solana.ErrAmbiguousOutcome), ErrTypeAmbiguousOutcome},
		{solana.ErrSimulationFailed, ErrTypeSimulationFailed},
		{solana.ErrQuoteUnavailable, ErrTypeQuoteUnavailable},
		{solana.ErrInsufficientFunds, ErrTypeInsufficientFunds},
		{solana.ErrEmptyPortfolio, ErrTypeInsufficientFunds},
		{solana.ErrSubmissionExhausted, ""},
		{errors.New("timeout"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.err)
			var appErr *temporalsdk.ApplicationError
			if tt.wantType == "" {
				assert.False(t, errors.As(got, &appErr))
				return
			}
			require.True(t, errors.As(got, &appErr))
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}
