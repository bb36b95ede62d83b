package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Document is a corpus document row.
type Document struct {
	ID         string
	Title      string
	Source     string
	SourceType string
	CreatedAt  time.Time
}

// Chunk is one passage of a document, the unit the index serves.
type Chunk struct {
	DocID      string
	ChunkID    string
	Title      string
	Source     string
	SourceType string
	Text       string
	ChunkIndex int
}

// Postgres persists the research corpus. The in-memory index is hydrated
// from it at startup.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres opens and pings the corpus database.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// InsertDocument stores a document and its chunks in one transaction.
func (p *Postgres) InsertDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, source, source_type, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, source = EXCLUDED.source`,
		doc.ID, doc.Title, doc.Source, doc.SourceType)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	for _, ch := range chunks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (doc_id, chunk_id, chunk_index, text)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (doc_id, chunk_id) DO UPDATE SET text = EXCLUDED.text`,
			doc.ID, ch.ChunkID, ch.ChunkIndex, ch.Text)
		if err != nil {
			return fmt.Errorf("inserting chunk %s/%s: %w", doc.ID, ch.ChunkID, err)
		}
	}
	return tx.Commit()
}

// ListChunks streams every chunk joined with its document metadata, in
// document then chunk order.
func (p *Postgres) ListChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.doc_id, c.chunk_id, c.chunk_index, c.text, d.title, d.source, d.source_type
		FROM chunks c
		JOIN documents d ON d.id = c.doc_id
		ORDER BY c.doc_id, c.chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.DocID, &ch.ChunkID, &ch.ChunkIndex, &ch.Text, &ch.Title, &ch.Source, &ch.SourceType); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CountDocuments returns the corpus size.
func (p *Postgres) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}
