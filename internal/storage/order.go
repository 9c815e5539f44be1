package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"externalorder/internal/model"
)

var (
	ErrOrderExists   = errors.New("external order already exists")
	ErrOrderNotFound = errors.New("external order not found")
	// ErrRowsAffected reports an update or delete that did not touch exactly
	// one live row. The transaction is rolled back.
	ErrRowsAffected = errors.New("affected rows not equal to 1")
	// ErrInvalidRecord reports values the database refuses on every attempt:
	// data exceptions and integrity violations other than a duplicate key.
	ErrInvalidRecord = errors.New("external order rejected by the database")
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

const orderColumns = `from_platform, tid, status, item_id, buyer_id, seller_id, count, amount, remark, extra, is_deleted, create_time, update_time`

type PageFilter struct {
	From *time.Time
	To   *time.Time
}

type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) Insert(ctx context.Context, o model.ExternalOrder) (*model.ExternalOrder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createTime := o.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO external_order
			(from_platform, tid, status, item_id, buyer_id, seller_id, count, amount, remark, extra, create_time, update_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+orderColumns,
		o.FromPlatform, o.Tid, o.Status, o.ItemID, o.BuyerID, o.SellerID, o.Count, o.Amount, o.Remark,
		nullableJSON(o.Extra), createTime,
	)
	created, err := scanOrder(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOrderExists
		}
		return nil, wrapErr("insert external order", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// Update replaces the non-identity columns of the live order. When
// expectedStatus is not empty the row must still carry that status.
func (s *OrderStore) Update(ctx context.Context, o model.ExternalOrder, expectedStatus string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE external_order
		SET status = $3, item_id = $4, buyer_id = $5, seller_id = $6, count = $7,
			amount = $8, remark = $9, extra = $10, update_time = NOW()
		WHERE from_platform = $1 AND tid = $2 AND is_deleted = FALSE`
	args := []any{
		o.FromPlatform, o.Tid, o.Status, o.ItemID, o.BuyerID, o.SellerID, o.Count, o.Amount, o.Remark,
		nullableJSON(o.Extra),
	}
	if expectedStatus != "" {
		query += ` AND status = $11`
		args = append(args, expectedStatus)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr("update external order", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *OrderStore) SoftDelete(ctx context.Context, platform, tid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE external_order SET is_deleted = TRUE, update_time = NOW()
		WHERE from_platform = $1 AND tid = $2 AND is_deleted = FALSE`,
		platform, tid,
	)
	if err != nil {
		return wrapErr("delete external order", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, platform, tid string) (*model.ExternalOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM external_order
		WHERE from_platform = $1 AND tid = $2 AND is_deleted = FALSE`,
		platform, tid,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, wrapErr("get external order", err)
	}
	return o, nil
}

// Page returns live orders newest first together with the number of live
// orders matching the filter.
func (s *OrderStore) Page(ctx context.Context, filter PageFilter, page, size int) ([]model.ExternalOrder, int64, error) {
	page, size = NormalizePage(page, size)

	where := []string{"is_deleted = FALSE"}
	var args []any
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("create_time >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("create_time <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_order WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count external orders: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM external_order
		WHERE %s
		ORDER BY create_time DESC, id DESC
		LIMIT $%d OFFSET $%d`, orderColumns, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query external orders: %w", err)
	}
	defer rows.Close()

	orders := make([]model.ExternalOrder, 0, size)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan external order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration failed: %w", err)
	}

	return orders, total, nil
}

func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*model.ExternalOrder, error) {
	var o model.ExternalOrder
	var extra []byte
	err := row.Scan(
		&o.FromPlatform, &o.Tid, &o.Status, &o.ItemID, &o.BuyerID, &o.SellerID,
		&o.Count, &o.Amount, &o.Remark, &extra, &o.IsDeleted, &o.CreateTime, &o.UpdateTime,
	)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		o.Extra = extra
	}
	o.CreateTime = o.CreateTime.UTC()
	o.UpdateTime = o.UpdateTime.UTC()
	return &o, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: got %d", ErrRowsAffected, n)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsInvalidRecord reports errors that will recur for the same input:
// SQLSTATE class 22 (data exception) and class 23 other than 23505.
func IsInvalidRecord(err error) bool {
	if errors.Is(err, ErrInvalidRecord) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) != 5 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22":
		return true
	case "23":
		return pgErr.Code != "23505"
	}
	return false
}

func wrapErr(op string, err error) error {
	if IsInvalidRecord(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRecord, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
