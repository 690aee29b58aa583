package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/logger"
)

func setupBenchmarkDB(b *testing.B) *db.Registry {
	// Use in-memory DB for benchmarking to isolate the writer's overhead
	// from disk I/O, though SQLite in-memory still has some locking.
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		b.Fatalf("failed to open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	// Optimize SQLite for performance to focus on application throughput
	_, _ = conn.Exec("PRAGMA synchronous = OFF")
	_, _ = conn.Exec("PRAGMA journal_mode = MEMORY")
	b.Cleanup(func() { conn.Close() })

	reg, err := db.NewSQLRegistry(context.Background(), conn)
	if err != nil {
		b.Fatalf("failed to init db: %v", err)
	}
	return reg
}

func BenchmarkInsertBatch(b *testing.B) {
	inputs := make([]any, 2500)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("これはテスト文です%d。", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		reg := setupBenchmarkDB(b)
		bw := NewBatchWriter(reg, content.NewNormalizer(nil), cache.NewCoordinator(), logger.NewNop())
		b.StartTimer()

		res := bw.InsertBatch(context.Background(), inputs, content.KindSentence)
		if res.Success != len(inputs) {
			b.Fatalf("expected %d inserts, got %d (failed %d)", len(inputs), res.Success, res.Failed)
		}
	}
}

func BenchmarkIngestText(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&sb, "The quick brown fox %d jumps over the lazy dog. ", i)
	}
	text := sb.String()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		reg := setupBenchmarkDB(b)
		norm := content.NewNormalizer(nil)
		coord := cache.NewCoordinator()
		gate := cache.NewGate(coord, reg, 0, nil)
		f := &writerFixture{bw: NewBatchWriter(reg, norm, coord, nil), coord: coord, gate: gate}
		ig, _ := newIngester(f)
		b.StartTimer()

		if _, err := ig.IngestText(context.Background(), text, IngestOptions{}); err != nil {
			b.Fatalf("ingest failed: %v", err)
		}
		gate.Close()
	}
}
