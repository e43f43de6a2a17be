package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

// Catalog reads marketplace_items. It never mutates stock.
type Catalog struct {
	db *pgxpool.Pool
}

func NewCatalog(db *pgxpool.Pool) *Catalog {
	return &Catalog{db: db}
}

// GetItem returns the item, or domain.ErrItemUnavailable when it does not exist.
func (c *Catalog) GetItem(ctx context.Context, itemID string) (*domain.CatalogItem, error) {
	var (
		item  domain.CatalogItem
		price string
	)
	err := c.db.QueryRow(ctx,
		`SELECT item_id, name, price::text, collection, stock_remaining, available
		   FROM marketplace_items WHERE item_id = $1`,
		itemID,
	).Scan(&item.ItemID, &item.Name, &price, &item.Collection, &item.StockRemaining, &item.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrItemUnavailable
		}
		return nil, fmt.Errorf("catalog query failed: %w", err)
	}

	if item.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price of %s: %w", itemID, err)
	}
	return &item, nil
}
