package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
)

// Postgres persists snapshots and the append-only operation log in two
// tables, one row per canvas and one row per operation.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables if they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS canvas_snapshots (
			canvas_id  TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			server_seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS canvas_operations (
			canvas_id            TEXT NOT NULL,
			server_seq           BIGINT NOT NULL,
			author_connection_id TEXT NOT NULL,
			client_seq           BIGINT NOT NULL,
			kind                 TEXT NOT NULL,
			payload              JSONB,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (canvas_id, server_seq)
		);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, canvasID string) (*canvas.Document, uint64, error) {
	var raw []byte
	var seq int64
	err := p.pool.QueryRow(ctx,
		`SELECT doc, server_seq FROM canvas_snapshots WHERE canvas_id = $1`,
		canvasID,
	).Scan(&raw, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// A canvas may have operations but no snapshot yet.
		var n int
		if err := p.pool.QueryRow(ctx,
			`SELECT count(*) FROM canvas_operations WHERE canvas_id = $1`,
			canvasID,
		).Scan(&n); err != nil {
			return nil, 0, err
		}
		if n == 0 {
			return nil, 0, ErrNotFound
		}
		return canvas.NewDocument(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	doc := canvas.NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot for %s: %w", canvasID, err)
	}
	return doc, uint64(seq), nil
}

func (p *Postgres) AppendOperation(ctx context.Context, op protocol.Operation) error {
	payload := op.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	// ON CONFLICT DO NOTHING keeps the append idempotent under sequencer
	// retries that raced a slow but ultimately successful insert.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO canvas_operations
			(canvas_id, server_seq, author_connection_id, client_seq, kind, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (canvas_id, server_seq) DO NOTHING`,
		op.CanvasID, int64(op.ServerSeq), op.AuthorConnectionID, int64(op.ClientSeq), op.Kind, payload)
	return err
}

func (p *Postgres) LoadSince(ctx context.Context, canvasID string, since uint64) ([]protocol.Operation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT server_seq, author_connection_id, client_seq, kind, payload
		FROM canvas_operations
		WHERE canvas_id = $1 AND server_seq > $2
		ORDER BY server_seq`,
		canvasID, int64(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Operation
	for rows.Next() {
		op := protocol.Operation{CanvasID: canvasID}
		var serverSeq, clientSeq int64
		var payload []byte
		if err := rows.Scan(&serverSeq, &op.AuthorConnectionID, &clientSeq, &op.Kind, &payload); err != nil {
			return nil, err
		}
		op.ServerSeq = uint64(serverSeq)
		op.ClientSeq = uint64(clientSeq)
		op.Payload = payload
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSnapshot(ctx context.Context, canvasID string, doc *canvas.Document, serverSeq uint64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO canvas_snapshots (canvas_id, doc, server_seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (canvas_id) DO UPDATE
		SET doc = EXCLUDED.doc, server_seq = EXCLUDED.server_seq, updated_at = now()`,
		canvasID, raw, int64(serverSeq))
	return err
}
