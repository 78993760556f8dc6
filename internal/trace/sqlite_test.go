package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxRecords int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(MemoryPath, maxRecords, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return s
}

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func record(i int, action string) *Record {
	r := &Record{
		Timestamp: epoch.Add(time.Duration(i) * time.Second),
		RequestID: fmt.Sprintf("req-%d", i),
		ClientID:  "ip:10.0.0.1",
		Provider:  "openai",
		Model:     "gpt-4o",
		Method:    "POST",
		Path:      "/v1/chat/completions",
		Action:    action,
		Status:    200,
		Tags:      []string{"ai-gateway", "provider:openai"},
		Tokens:    100 + i,
		CostUSD:   0.0005,
		LatencyMs: 3,
	}
	if action == "block" {
		r.Status = 403
		r.Reason = "Prompt injection detected"
		r.BlockedReason = "prompt-injection"
		r.ReasonCodes = []string{"PROMPT_INJECTION"}
		r.Findings = json.RawMessage(`[{"category":"prompt-injection","subtype":"ignore-previous"}]`)
	}
	return r
}

func TestComputeHash(t *testing.T) {
	r := record(1, "block")
	r.PrevHash = ComputeSeed(chainName)
	h1 := ComputeHash(r)
	if h1 != ComputeHash(r) {
		t.Error("ComputeHash is not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"prev hash", func(r *Record) { r.PrevHash = "abc" }},
		{"action", func(r *Record) { r.Action = "allow" }},
		{"tokens", func(r *Record) { r.Tokens++ }},
		{"tags", func(r *Record) { r.Tags = append(r.Tags, "blocked") }},
		{"timestamp", func(r *Record) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) }},
		{"findings", func(r *Record) { r.Findings = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *r
			tt.mutate(&c)
			if ComputeHash(&c) == h1 {
				t.Errorf("changing %s did not change the hash", tt.name)
			}
		})
	}
}

func TestSQLiteStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	r := record(1, "block")
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if r.ID == "" || r.Seq != 1 || r.PrevHash != ComputeSeed(chainName) || r.Hash == "" {
		t.Fatalf("Insert() left record %+v", r)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Hash != r.Hash || !got.Timestamp.Equal(r.Timestamp) || got.BlockedReason != "prompt-injection" {
		t.Errorf("Get() = %+v, want %+v", got, r)
	}
	if len(got.ReasonCodes) != 1 || got.ReasonCodes[0] != "PROMPT_INJECTION" || len(got.Tags) != 2 {
		t.Errorf("Get() lists = %v %v", got.ReasonCodes, got.Tags)
	}
	if string(got.Findings) != string(r.Findings) {
		t.Errorf("Findings = %s", got.Findings)
	}
	if ComputeHash(got) != got.Hash {
		t.Error("stored record does not rehash to its hash")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListAndStats(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	actions := []string{"allow", "block", "allow", "redact", "block"}
	for i, a := range actions {
		if err := s.Insert(ctx, record(i, a)); err != nil {
			t.Fatal(err)
		}
	}

	all, total, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 5 || len(all) != 5 || all[0].Seq != 5 {
		t.Errorf("List() = %d records (total %d), first seq %d", len(all), total, all[0].Seq)
	}

	blocked, total, err := s.List(ctx, Filter{Action: "block", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(blocked) != 1 || blocked[0].RequestID != "req-4" {
		t.Errorf("List(block) = %+v total %d", blocked, total)
	}

	since := epoch.Add(3 * time.Second)
	recent, _, err := s.List(ctx, Filter{Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("List(since) = %d, want 2", len(recent))
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.TotalRecords != 5 || stats.Allowed != 2 || stats.Blocked != 2 || stats.Redacted != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.TotalTokens != 510 {
		t.Errorf("TotalTokens = %d, want 510", stats.TotalTokens)
	}
	if stats.ByReason["prompt-injection"] != 2 || stats.ByProvider["openai"] != 5 {
		t.Errorf("breakdowns = %v %v", stats.ByReason, stats.ByProvider)
	}
}

func TestSQLiteStore_Verify(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Insert(ctx, record(i, "allow")); err != nil {
			t.Fatal(err)
		}
	}
	res, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !res.Valid || res.Checked != 4 || res.Pruned {
		t.Errorf("Verify() = %+v, want valid chain of 4", res)
	}

	if _, err := s.db.Exec("UPDATE decisions SET tokens = 9999 WHERE seq = 3"); err != nil {
		t.Fatal(err)
	}
	res, err = s.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	third, _, _ := s.List(ctx, Filter{Limit: 1, Offset: 1})
	if res.Valid || res.BrokenAt != third[0].ID {
		t.Errorf("Verify() after tamper = %+v, want broken at %s", res, third[0].ID)
	}
}

func TestSQLiteStore_Retention(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Insert(ctx, record(i, "allow")); err != nil {
			t.Fatal(err)
		}
	}
	records, total, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || records[len(records)-1].Seq != 3 {
		t.Errorf("retained %d records, oldest seq %d; want 3 from seq 3", total, records[len(records)-1].Seq)
	}

	res, err := s.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || !res.Pruned || res.Checked != 3 {
		t.Errorf("Verify() = %+v, want valid pruned chain of 3", res)
	}

	n, err := s.Prune(ctx, 1)
	if err != nil || n != 2 {
		t.Errorf("Prune(1) = %d, %v; want 2", n, err)
	}
}
