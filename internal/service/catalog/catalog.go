package catalog

import (
	"context"
	"fmt"

	"github.com/jbae-dev/stagepass/internal/domain"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
)

// Provider resolves seat metadata and pricing from the catalog the platform
// already owns. The booking core treats it as read-only.
type Provider interface {
	GetSeat(ctx context.Context, seatID int64) (*domain.CatalogSeat, error)
	GetPrice(ctx context.Context, priceGradeID int64) (int64, error)
}

// PG is the postgres-backed Provider.
type PG struct {
	store *postgresrepo.Store
}

func NewPG(store *postgresrepo.Store) *PG {
	return &PG{store: store}
}

func (p *PG) GetSeat(ctx context.Context, seatID int64) (*domain.CatalogSeat, error) {
	const op = "service.catalog.GetSeat"

	seat, err := p.store.Catalog().GetSeat(ctx, seatID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return seat, nil
}

func (p *PG) GetPrice(ctx context.Context, priceGradeID int64) (int64, error) {
	const op = "service.catalog.GetPrice"

	price, err := p.store.Catalog().GetPrice(ctx, priceGradeID)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return price, nil
}
