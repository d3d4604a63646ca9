package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/brojonat/orbitt/service/metrics"
	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Order statuses.
const (
	OrderPending   = "pending"
	OrderRunning   = "running"
	OrderStopped   = "stopped"
	OrderHalted    = "halted"
	OrderCompleted = "completed"
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics records query durations on m.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// observe starts timing a query. Call the result with the query's error.
func (s *Store) observe(operation, table string) func(*error) {
	start := time.Now()
	return func(err *error) {
		if s.metrics != nil {
			s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
		}
	}
}

// Order is one rotation order: a token mint and the ring of wallets that
// rotate it.
type Order struct {
	ID         string
	Mint       string
	OrderSize  decimal.Decimal
	Status     string
	WorkflowID *string
	RingSize   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateOrderParams contains the parameters for creating an order.
type CreateOrderParams struct {
	ID        string
	Mint      string
	OrderSize decimal.Decimal
}

const orderColumns = `o.id, o.mint, o.order_size::text, o.status, o.workflow_id, o.created_at, o.updated_at,
	(SELECT COUNT(*) FROM ring_members m WHERE m.order_id = o.id)`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o          Order
		size       string
		workflowID pgtype.Text
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
		ringSize   int64
	)
	if err := row.Scan(&o.ID, &o.Mint, &size, &o.Status, &workflowID, &createdAt, &updatedAt, &ringSize); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d, err := decimal.NewFromString(size)
	if err != nil {
		return nil, fmt.Errorf("invalid order size %q: %w", size, err)
	}
	o.OrderSize = d
	o.WorkflowID = stringPtrFromPgtext(workflowID)
	o.CreatedAt = createdAt.Time
	o.UpdatedAt = updatedAt.Time
	o.RingSize = int(ringSize)
	return &o, nil
}

// CreateOrder inserts a new pending order.
func (s *Store) CreateOrder(ctx context.Context, params CreateOrderParams) (order *Order, err error) {
	defer s.observe("insert", "orders")(&err)
	if _, err := solanago.PublicKeyFromBase58(params.Mint); err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", params.Mint, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, mint, order_size, status) VALUES ($1, $2, $3::text::numeric, $4)`,
		params.ID, params.Mint, params.OrderSize.String(), OrderPending,
	)
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, params.ID)
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (order *Order, err error) {
	defer s.observe("select", "orders")(&err)
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id)
	return scanOrder(row)
}

// ListOrders retrieves orders, newest first. An empty status lists every order.
func (s *Store) ListOrders(ctx context.Context, status string) (orders []*Order, err error) {
	defer s.observe("select", "orders")(&err)
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE ($1 = '' OR o.status = $1) ORDER BY o.created_at DESC`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrderStatus sets an order's status. A non-nil workflowID replaces the
// recorded workflow.
func (s *Store) UpdateOrderStatus(ctx context.Context, id, status string, workflowID *string) (order *Order, err error) {
	defer s.observe("update", "orders")(&err)
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, workflow_id = COALESCE($3, workflow_id), updated_at = NOW() WHERE id = $1`,
		id, status, pgtextFromStringPtr(workflowID),
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

// DeleteOrder removes an order with its ring and steps.
func (s *Store) DeleteOrder(ctx context.Context, id string) (err error) {
	defer s.observe("delete", "orders")(&err)
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRing replaces the ring of an order. members[0] is the funding wallet.
func (s *Store) SaveRing(ctx context.Context, orderID string, members []solanago.PrivateKey) (err error) {
	defer s.observe("insert", "ring_members")(&err)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ring_members WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for i, m := range members {
		batch.Queue(
			`INSERT INTO ring_members (order_id, position, address, secret_key) VALUES ($1, $2, $3, $4)`,
			orderID, i, m.PublicKey().String(), solana.EncodePrivateKey(m),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert ring members: %w", err)
	}
	return tx.Commit(ctx)
}

// GetRing loads an order's ring with its signing keys.
func (s *Store) GetRing(ctx context.Context, orderID string) (ring rotation.Ring, err error) {
	defer s.observe("select", "ring_members")(&err)
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return rotation.Ring{}, err
	}
	mint, err := solanago.PublicKeyFromBase58(order.Mint)
	if err != nil {
		return rotation.Ring{}, fmt.Errorf("order %s has invalid mint: %w", orderID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT address, secret_key FROM ring_members WHERE order_id = $1 ORDER BY position`,
		orderID,
	)
	if err != nil {
		return rotation.Ring{}, err
	}
	defer rows.Close()

	ring = rotation.Ring{OrderID: orderID, Mint: mint}
	for rows.Next() {
		var address, secret string
		if err := rows.Scan(&address, &secret); err != nil {
			return rotation.Ring{}, err
		}
		key, err := solana.ParsePrivateKey(secret)
		if err != nil {
			return rotation.Ring{}, fmt.Errorf("ring member %s: %w", address, err)
		}
		if key.PublicKey().String() != address {
			return rotation.Ring{}, fmt.Errorf("ring member %s: stored key does not match address", address)
		}
		ring.Members = append(ring.Members, key)
	}
	if err := rows.Err(); err != nil {
		return rotation.Ring{}, err
	}
	return ring, nil
}

// RingAddresses returns the public addresses of an order's ring.
func (s *Store) RingAddresses(ctx context.Context, orderID string) (addresses []string, err error) {
	defer s.observe("select", "ring_members")(&err)
	rows, err := s.pool.Query(ctx,
		`SELECT address FROM ring_members WHERE order_id = $1 ORDER BY position`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// RecordStep stores a rotation step. Recording the same step twice is a no-op.
func (s *Store) RecordStep(ctx context.Context, step *rotation.Step) (err error) {
	defer s.observe("insert", "rotation_steps")(&err)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rotation_steps (
			id, order_id, position, from_address, to_address, relative_native, action,
			trade_amount, trade_signature, trade_error,
			forward_signature, forward_lamports, forward_tokens, forward_probable,
			status, error, started_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::text::numeric, $7,
			$8::text::numeric, $9, $10,
			$11, $12::text::numeric, $13::text::numeric, $14,
			$15, $16, $17, $18
		) ON CONFLICT (id) DO NOTHING`,
		step.ID, step.OrderID, step.Index, step.From, step.To, step.RelativeNative.String(), string(step.Action),
		strconv.FormatUint(step.TradeAmount, 10), pgtextFromString(step.TradeSignature), pgtextFromString(step.TradeError),
		pgtextFromString(step.ForwardSignature), strconv.FormatUint(step.ForwardLamports, 10), strconv.FormatUint(step.ForwardTokens, 10), step.ForwardProbable,
		string(step.Status), pgtextFromString(step.Error),
		pgtype.Timestamptz{Time: step.StartedAt, Valid: true}, pgtype.Timestamptz{Time: step.FinishedAt, Valid: true},
	)
	return err
}

// ListSteps retrieves an order's steps, newest first. A limit <= 0 returns all.
func (s *Store) ListSteps(ctx context.Context, orderID string, limit int32) (steps []*rotation.Step, err error) {
	defer s.observe("select", "rotation_steps")(&err)
	var lim pgtype.Int4
	if limit > 0 {
		lim = pgtype.Int4{Int32: limit, Valid: true}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, position, from_address, to_address, relative_native::text, action,
			trade_amount::text, trade_signature, trade_error,
			forward_signature, forward_lamports::text, forward_tokens::text, forward_probable,
			status, error, started_at, finished_at
		FROM rotation_steps
		WHERE order_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		orderID, lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(row pgx.Row) (*rotation.Step, error) {
	var (
		step                                     rotation.Step
		id                                       uuid.UUID
		relative, action, status                 string
		tradeAmount, forwardLamports, forwardTok string
		tradeSig, tradeErr, forwardSig, stepErr  pgtype.Text
		startedAt, finishedAt                    pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &step.OrderID, &step.Index, &step.From, &step.To, &relative, &action,
		&tradeAmount, &tradeSig, &tradeErr,
		&forwardSig, &forwardLamports, &forwardTok, &step.ForwardProbable,
		&status, &stepErr, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	step.ID = id
	if step.RelativeNative, err = decimal.NewFromString(relative); err != nil {
		return nil, fmt.Errorf("invalid relative_native %q: %w", relative, err)
	}
	if step.TradeAmount, err = strconv.ParseUint(tradeAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid trade_amount %q: %w", tradeAmount, err)
	}
	if step.ForwardLamports, err = strconv.ParseUint(forwardLamports, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid forward_lamports %q: %w", forwardLamports, err)
	}
	if step.ForwardTokens, err = strconv.ParseUint(forwardTok, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid forward_tokens %q: %w", forwardTok, err)
	}
	step.Action = rotation.Action(action)
	step.Status = rotation.StepStatus(status)
	step.TradeSignature = tradeSig.String
	step.TradeError = tradeErr.String
	step.ForwardSignature = forwardSig.String
	step.Error = stepErr.String
	step.StartedAt = startedAt.Time
	step.FinishedAt = finishedAt.Time
	return &step, nil
}

// Helper functions to convert between pgtype and domain types

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func pgtextFromString(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

// SetOrderStatus sets an order's status, keeping its workflow id.
func (s *Store) SetOrderStatus(ctx context.Context, id, status string) error {
	_, err := s.UpdateOrderStatus(ctx, id, status, nil)
	return err
}
