package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"beacon/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "beacon.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestDedupRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	until := time.Now().Add(5 * time.Second).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "c1|abc", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "c1|abc")
	if err != nil || !ok {
		t.Fatalf("GetDedup: %v, %v", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// Upsert replaces.
	later := until.Add(time.Minute)
	if err := st.PutDedup(ctx, "c1|abc", later); err != nil {
		t.Fatalf("PutDedup upsert: %v", err)
	}
	got, _, _ = st.GetDedup(ctx, "c1|abc")
	if !got.Equal(later) {
		t.Fatalf("after upsert = %v, want %v", got, later)
	}

	if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: %v, %v", ok, err)
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutWatermark(ctx, "c1", "builds", 42); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	seq, ok, err := st.GetWatermark(ctx, "c1", "builds")
	if err != nil || !ok || seq != 42 {
		t.Fatalf("GetWatermark = %d, %v, %v", seq, ok, err)
	}

	// Same client, different stream: independent.
	if _, ok, _ := st.GetWatermark(ctx, "c1", "deploys"); ok {
		t.Fatal("watermark leaked across streams")
	}

	if err := st.PutWatermark(ctx, "c1", "builds", 50); err != nil {
		t.Fatalf("PutWatermark update: %v", err)
	}
	seq, _, _ = st.GetWatermark(ctx, "c1", "builds")
	if seq != 50 {
		t.Fatalf("updated watermark = %d, want 50", seq)
	}
}

func TestDeleteClient(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.PutWatermark(ctx, "c1", "builds", 10)
	_ = st.PutWatermark(ctx, "c2", "builds", 20)
	_ = st.PutDedup(ctx, "c1|k", time.Now().Add(time.Minute))

	if err := st.DeleteClient(ctx, "c1"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if _, ok, _ := st.GetWatermark(ctx, "c1", "builds"); ok {
		t.Fatal("c1 watermark survived deletion")
	}
	if seq, ok, _ := st.GetWatermark(ctx, "c2", "builds"); !ok || seq != 20 {
		t.Fatal("c2 watermark lost")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.db")
	cfg := Config{Driver: "sqlite", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.PutWatermark(context.Background(), "c1", "builds", 7)
	_ = st.Close()

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	seq, ok, err := st2.GetWatermark(context.Background(), "c1", "builds")
	if err != nil || !ok || seq != 7 {
		t.Fatalf("watermark after restart = %d, %v, %v; want 7", seq, ok, err)
	}
}
