package sqlite

import (
	"database/sql"
	"time"
)

// ─── Model Pricing ──────────────────────────────────────────────────────────

// ModelPrice is one row of the image pricing table.
type ModelPrice struct {
	ModelID         string    `json:"model_id"`
	CreditsPerImage int64     `json:"credits_per_image"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreditsPerImage returns the per-image price for a model, defaulting
// to 1 for unknown models.
func (d *DB) CreditsPerImage(modelID string) (int64, error) {
	var credits int64
	err := d.db.QueryRow(
		`SELECT credits_per_image FROM model_pricing WHERE model_id = ?`, modelID,
	).Scan(&credits)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return credits, nil
}

// SetModelPrice upserts a model's per-image price.
func (d *DB) SetModelPrice(modelID string, credits int64) error {
	_, err := d.db.Exec(
		`INSERT INTO model_pricing (model_id, credits_per_image, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET credits_per_image = excluded.credits_per_image,
			updated_at = excluded.updated_at`,
		modelID, credits, time.Now().Unix(),
	)
	return err
}

// ListModelPricing returns the full pricing table.
func (d *DB) ListModelPricing() ([]ModelPrice, error) {
	rows, err := d.db.Query(
		`SELECT model_id, credits_per_image, updated_at FROM model_pricing ORDER BY model_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []ModelPrice
	for rows.Next() {
		var p ModelPrice
		var updated int64
		if err := rows.Scan(&p.ModelID, &p.CreditsPerImage, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(updated, 0)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}
