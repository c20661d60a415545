package db

import (
	"fmt"
	"testing"
	"time"
)

func TestListQuery_Empty(t *testing.T) {
	q := NewListQuery("claim", "id, status")
	q.OrderBy("created_at DESC")

	if got := q.CountSQL(); got != "SELECT COUNT(*) FROM claim WHERE 1=1" {
		t.Errorf("unexpected count SQL: %s", got)
	}
	want := "SELECT id, status FROM claim WHERE 1=1 ORDER BY created_at DESC LIMIT $1 OFFSET $2"
	if got := q.DataSQL(); got != want {
		t.Errorf("unexpected data SQL:\n got %s\nwant %s", got, want)
	}
	args := q.DataArgs(20, 40)
	if len(args) != 2 || args[0] != 20 || args[1] != 40 {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestListQuery_Filters(t *testing.T) {
	q := NewListQuery("claim", "id")
	q.Eq("status", "received")
	q.Eq("hospital_id", "")
	q.In("status", []string{"analyzing", "processing"})
	q.Contains("claim_number", "ab_%")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Between("submitted_at", from, time.Time{})
	q.Add(fmt.Sprintf("amount > $%d", q.Idx()), 100)

	wantWhere := " AND status = $1 AND status = ANY($2) AND claim_number ILIKE $3 AND submitted_at >= $4 AND amount > $5"
	if got := q.CountSQL(); got != "SELECT COUNT(*) FROM claim WHERE 1=1"+wantWhere {
		t.Errorf("unexpected count SQL: %s", got)
	}
	if got := q.DataSQL(); got != "SELECT id FROM claim WHERE 1=1"+wantWhere+" LIMIT $6 OFFSET $7" {
		t.Errorf("unexpected data SQL: %s", got)
	}
	args := q.CountArgs()
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	if args[2] != `%ab\_\%%` {
		t.Errorf("expected escaped like pattern, got %v", args[2])
	}
}
