package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/connpulse/internal/domain"
)

const candidatesQuery = `SELECT id_conexion FROM conexiones WHERE activo = TRUE ORDER BY id_conexion`

// CandidateRepo отдает полный список подключений, из которых строится набор интереса.
type CandidateRepo struct {
	db       *sql.DB
	attempts uint
}

func NewCandidateRepo(db *sql.DB) *CandidateRepo {
	return &CandidateRepo{db: db, attempts: 3}
}

// ListCandidateIDs читает кандидатов с коротким retry: база может моргнуть при старте.
func (r *CandidateRepo) ListCandidateIDs(ctx context.Context) ([]domain.ConnectionID, error) {
	var ids []domain.ConnectionID

	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(200*time.Millisecond),
	)
	err := rt.Do(func() error {
		var loadErr error
		ids, loadErr = r.load(ctx)
		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list candidates: %w", err)
	}
	return ids, nil
}

func (r *CandidateRepo) load(ctx context.Context) ([]domain.ConnectionID, error) {
	rows, err := r.db.QueryContext(ctx, candidatesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]domain.ConnectionID, 0, 64)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, domain.ConnectionID(id))
	}
	return ids, rows.Err()
}

// Ping проверяет доступность базы при старте
func (r *CandidateRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
