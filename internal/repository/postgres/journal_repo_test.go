package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xela07ax/connpulse/internal/journal"
)

func TestBuildJournalInsert(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []journal.Event{
		{ID: "a", Kind: journal.KindFetchOK, Source: "poll", Received: 3, Timestamp: ts},
		{ID: "b", Kind: journal.KindFetchFailed, Source: "viewport", Attempt: 1, ErrorKind: "timeout", Error: "deadline", Timestamp: ts},
	}

	query, vals := buildJournalInsert(events)

	if !strings.HasPrefix(query, "INSERT INTO sync_journal (") {
		t.Fatalf("unexpected query prefix: %s", query)
	}
	if !strings.HasSuffix(query, "($12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)") {
		t.Fatalf("second row placeholders wrong: %s", query)
	}
	if len(vals) != 2*journalFields {
		t.Fatalf("want %d values, got %d", 2*journalFields, len(vals))
	}
	if vals[1] != "FETCH_OK" || vals[6] != nil || vals[7] != nil {
		t.Fatalf("first row values wrong: %v", vals[:journalFields])
	}
	if vals[journalFields+6] != "timeout" || vals[journalFields+7] != "deadline" {
		t.Fatalf("second row error columns wrong: %v", vals[journalFields:])
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	// nil db: пустой батч не должен доходить до базы
	r := NewJournalRepo(nil)
	if err := r.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}
