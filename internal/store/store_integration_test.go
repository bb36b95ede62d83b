package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

func TestCorpusRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgUser := "deepresearch"
	pgPassword := "deepresearch"
	pgDB := "deepresearch"

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase(pgDB),
		tcPostgres.WithUsername(pgUser),
		tcPostgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, pgHost, pgPort.Port(), pgDB)
	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	pg, err := store.NewPostgres(ctx, config.PostgresConfig{URL: dsn})
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer pg.Close()

	doc := store.Document{ID: "doc-1", Title: "Go scheduler", Source: "https://example.com/sched", SourceType: "web"}
	chunks := []store.Chunk{
		{DocID: "doc-1", ChunkID: "0", ChunkIndex: 0, Text: "goroutines multiplex onto OS threads"},
		{DocID: "doc-1", ChunkID: "1", ChunkIndex: 1, Text: "the scheduler steals work between processors"},
	}
	if err := pg.InsertDocument(ctx, doc, chunks); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	// Upsert must not duplicate rows.
	if err := pg.InsertDocument(ctx, doc, chunks); err != nil {
		t.Fatalf("re-insert document: %v", err)
	}

	got, err := pg.ListChunks(ctx)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].ChunkIndex != 0 || got[1].ChunkIndex != 1 {
		t.Fatalf("chunks not in index order: %+v", got)
	}
	if got[0].Title != "Go scheduler" || got[0].SourceType != "web" {
		t.Fatalf("document metadata not joined: %+v", got[0])
	}

	n, err := pg.CountDocuments(ctx)
	if err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 document, got %d", n)
	}
}

func TestRetrievalCacheRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	cache, err := store.NewCache(ctx, config.RedisConfig{
		Host: redisHost,
		Port: redisPort.Port(),
		TTL:  time.Minute,
	})
	if err != nil {
		t.Fatalf("cache init: %v", err)
	}
	defer cache.Close()

	type payload struct {
		Sections []string `json:"sections"`
	}

	var miss payload
	found, err := cache.GetJSON(ctx, "unseen query", &miss)
	if err != nil {
		t.Fatalf("get on empty cache: %v", err)
	}
	if found {
		t.Fatal("expected cache miss before set")
	}

	want := payload{Sections: []string{"a", "b"}}
	if err := cache.SetJSON(ctx, "seen query", want); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	found, err = cache.GetJSON(ctx, "seen query", &got)
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if !found {
		t.Fatal("expected cache hit after set")
	}
	if len(got.Sections) != 2 || got.Sections[0] != "a" {
		t.Fatalf("cached value mismatch: %+v", got)
	}
}
