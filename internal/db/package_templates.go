package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetPackageTemplate loads a PackageTemplate by id.
func (q *Queries) GetPackageTemplate(ctx context.Context, id string) (PackageTemplate, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, kind, duration_minutes, price_cents, fee_percent, active, created_at, updated_at
		FROM package_templates WHERE id = $1`, id)

	var t PackageTemplate
	if err := row.Scan(&t.ID, &t.Kind, &t.DurationMinutes, &t.Price, &t.FeePercent, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PackageTemplate{}, fmt.Errorf("package template %s: %w", id, pgx.ErrNoRows)
		}
		return PackageTemplate{}, err
	}
	return t, nil
}
