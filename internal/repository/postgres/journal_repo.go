package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/connpulse/internal/journal"
)

// Количество колонок в таблице sync_journal
const journalFields = 11

type JournalRepo struct {
	db *sql.DB
}

func NewJournalRepo(db *sql.DB) *JournalRepo {
	return &JournalRepo{db: db}
}

func (r *JournalRepo) WriteBatch(ctx context.Context, events []journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildJournalInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: journal batch of %d: %w", len(events), err)
	}
	return nil
}

// buildJournalInsert строит одну пакетную вставку на весь батч.
func buildJournalInsert(events []journal.Event) (string, []any) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*journalFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for f := 1; f <= journalFields; f++ {
			if f > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*journalFields+f)
		}
		sb.WriteByte(')')

		vals = append(vals,
			e.ID, string(e.Kind), e.Source, e.Attempt, e.InterestSize, e.Received,
			nullIfEmpty(e.ErrorKind), nullIfEmpty(e.Error), e.DelayMs, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO sync_journal (id, kind, source, attempt, interest_size, received, error_kind, error, delay_ms, duration_ms, timestamp) VALUES " + sb.String()
	return query, vals
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
