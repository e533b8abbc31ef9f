package pgpayment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Mark inserts ref unless it is already there; the unique key makes it atomic across processes.
func (s *Storage) Mark(ctx context.Context, ref string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO payment_confirmations (txn_ref, marked_at)
VALUES ($1, $2)
ON CONFLICT (txn_ref) DO NOTHING
`, ref, time.Now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert confirmation")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) Forget(ctx context.Context, ref string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM payment_confirmations WHERE txn_ref = $1`, ref); err != nil {
		return errors.Wrap(err, "delete confirmation")
	}
	return nil
}

func (s *Storage) MarkedAt(ctx context.Context, ref string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `SELECT marked_at FROM payment_confirmations WHERE txn_ref = $1`, ref).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "select confirmation")
	}
	return at, true, nil
}
