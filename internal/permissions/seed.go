package permissions

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Seed upserts every catalog permission into the permissions table.
func Seed(ctx context.Context, db batcher, c *Catalog) error {
	batch := &pgx.Batch{}
	for _, p := range c.List() {
		batch.Queue(`INSERT INTO permissions (id, description, category) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description, category = EXCLUDED.category`,
			string(p.ID), p.Description, p.Category)
	}
	results := db.SendBatch(ctx, batch)
	for range c.List() {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("permissions: seed: %w", err)
		}
	}
	return results.Close()
}
