package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/adperf-engine/internal/domain"
)

const columns = `account_id, platform, granularity, period_id, period_start, period_end, payload, updated_at, folded_at`

// deleteBatchSize bounds each DELETE so retention never holds long locks.
const deleteBatchSize = 5000

// SQLStore implements PeriodStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// DB exposes the handle for health checks and advisory locks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func persistErr(op string, t Table, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, t, err)
}

func (s *SQLStore) Upsert(ctx context.Context, t Table, rec Record) error {
	if err := t.check(); err != nil {
		return err
	}
	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (account_id, platform, granularity, period_id, period_start, period_end, payload, updated_at, folded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (account_id, platform, granularity, period_id) DO UPDATE SET
			period_start = excluded.period_start,
			period_end   = excluded.period_end,
			payload      = excluded.payload,
			updated_at   = excluded.updated_at,
			folded_at    = NULL
	`, t))
	_, err := s.db.ExecContext(ctx, query,
		rec.AccountID, string(rec.Platform), string(rec.Granularity), rec.PeriodID,
		rec.PeriodStart.Unix(), rec.PeriodEnd.Unix(), string(rec.Payload), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return persistErr("upsert", t, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, t Table, key Key) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE account_id = ? AND platform = ? AND granularity = ? AND period_id = ?
	`, columns, t))
	row := s.db.QueryRowContext(ctx, query, key.AccountID, string(key.Platform), string(key.Granularity), key.PeriodID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %s: %w", t, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, persistErr("get", t, err)
	}
	return rec, nil
}

// DeleteWhere removes matching rows in batches until none remain.
func (s *SQLStore) DeleteWhere(ctx context.Context, t Table, pred Predicate) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if pred.IsZero() {
		return 0, ErrUnboundedDelete
	}
	where, args := buildWhere(pred)
	query := s.dialect.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s %s LIMIT ?)`,
		t, s.dialect.RowID, s.dialect.RowID, t, where))

	var total int64
	for {
		res, err := s.db.ExecContext(ctx, query, append(args, deleteBatchSize)...)
		if err != nil {
			return total, persistErr("delete", t, err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < deleteBatchSize {
			return total, nil
		}
		if pred.Limit > 0 && total >= int64(pred.Limit) {
			return total, nil
		}
	}
}

func (s *SQLStore) Count(ctx context.Context, t Table, pred Predicate) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	where, args := buildWhere(pred)
	var n int64
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, t, where))
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, persistErr("count", t, err)
	}
	return n, nil
}

func (s *SQLStore) List(ctx context.Context, t Table, pred Predicate) ([]Record, error) {
	return s.list(ctx, t, pred, "ASC")
}

func (s *SQLStore) Latest(ctx context.Context, t Table, pred Predicate) (Record, error) {
	pred.Limit = 1
	recs, err := s.list(ctx, t, pred, "DESC")
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%s latest: %w", t, ErrNotFound)
	}
	return recs[0], nil
}

func (s *SQLStore) list(ctx context.Context, t Table, pred Predicate, order string) ([]Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	where, args := buildWhere(pred)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY period_start %s, account_id, platform`, columns, t, where, order)
	if pred.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, pred.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, persistErr("list", t, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistErr("scan", t, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list", t, err)
	}
	return out, nil
}

func (s *SQLStore) MarkFolded(ctx context.Context, t Table, pred Predicate, at time.Time) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	where, args := buildWhere(pred)
	query := s.dialect.Rebind(fmt.Sprintf(`UPDATE %s SET folded_at = ? %s`, t, where))
	res, err := s.db.ExecContext(ctx, query, append([]any{at.Unix()}, args...)...)
	if err != nil {
		return 0, persistErr("mark folded", t, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Span(ctx context.Context, t Table, pred Predicate) (Span, error) {
	if err := t.check(); err != nil {
		return Span{}, err
	}
	where, args := buildWhere(pred)
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT COUNT(*), MIN(period_start), MAX(period_start) FROM %s %s`, t, where))

	var (
		span   Span
		lo, hi sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&span.Count, &lo, &hi); err != nil {
		return Span{}, persistErr("span", t, err)
	}
	if lo.Valid {
		e := time.Unix(lo.Int64, 0).UTC()
		span.Earliest = &e
	}
	if hi.Valid {
		l := time.Unix(hi.Int64, 0).UTC()
		span.Latest = &l
	}
	return span, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                 Record
		platform, gran      string
		start, end, updated int64
		payload             []byte
		folded              sql.NullInt64
	)
	if err := sc.Scan(&rec.AccountID, &platform, &gran, &rec.PeriodID, &start, &end, &payload, &updated, &folded); err != nil {
		return Record{}, err
	}
	rec.Platform = domain.Platform(platform)
	rec.Granularity = domain.Granularity(gran)
	rec.PeriodStart = time.Unix(start, 0).UTC()
	rec.PeriodEnd = time.Unix(end, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	rec.Payload = payload
	if folded.Valid {
		f := time.Unix(folded.Int64, 0).UTC()
		rec.FoldedAt = &f
	}
	return rec, nil
}

// buildWhere renders a predicate with '?' placeholders.
func buildWhere(p Predicate) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if p.AccountID != "" {
		add("account_id = ?", p.AccountID)
	}
	if p.Platform != "" {
		add("platform = ?", string(p.Platform))
	}
	if p.Granularity != "" {
		add("granularity = ?", string(p.Granularity))
	}
	if p.PeriodID != "" {
		add("period_id = ?", p.PeriodID)
	}
	if p.PeriodIDNot != "" {
		add("period_id <> ?", p.PeriodIDNot)
	}
	if !p.EndBefore.IsZero() {
		add("period_end < ?", p.EndBefore.Unix())
	}
	if !p.StartBefore.IsZero() {
		add("period_start < ?", p.StartBefore.Unix())
	}
	if !p.UpdatedBefore.IsZero() {
		add("updated_at < ?", p.UpdatedBefore.Unix())
	}
	if p.Folded != nil {
		if *p.Folded {
			conds = append(conds, "folded_at IS NOT NULL")
		} else {
			conds = append(conds, "folded_at IS NULL")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
