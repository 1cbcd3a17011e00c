package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/genhospi/medmatch/internal/domain/catalog"
)

// Selector picks the winning provider offer for a medication and builds the
// ranked comparison used in quotation responses.
type Selector struct {
	prices  Repository
	catalog catalog.Repository
}

func NewSelector(prices Repository, cat catalog.Repository) *Selector {
	return &Selector{prices: prices, catalog: cat}
}

// BestPrice returns the offer with the lowest unit price among those valid at
// asOf. Ties break toward the most recently published offer, so a supplier
// refreshing an identical price regains precedence. No valid offer yields
// ErrNoValidPrice.
func (s *Selector) BestPrice(ctx context.Context, medicationID uuid.UUID, asOf time.Time) (*Quote, error) {
	records, err := s.prices.ListValid(ctx, medicationID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list valid prices: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoValidPrice
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].UnitPrice != records[j].UnitPrice {
			return records[i].UnitPrice < records[j].UnitPrice
		}
		return records[i].PublishedAt.After(records[j].PublishedAt)
	})

	best := records[0]
	quote := &Quote{
		MedicationID: medicationID,
		Best:         best,
		Offers:       make([]Offer, 0, len(records)),
	}
	for _, rec := range records {
		offer := Offer{PriceRecord: *rec}
		if best.UnitPrice > 0 {
			offer.DeviationPct = (rec.UnitPrice - best.UnitPrice) / best.UnitPrice * 100
		}
		quote.Offers = append(quote.Offers, offer)
	}

	quote.CapExceeded, err = s.capExceeded(ctx, medicationID, best.UnitPrice)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// capExceeded checks the winning price against the entry's regulated ceiling.
// Advisory only: regulation caps what may be charged downstream, not what a
// supplier may quote.
func (s *Selector) capExceeded(ctx context.Context, medicationID uuid.UUID, price float64) (bool, error) {
	med, err := s.catalog.GetByID(ctx, medicationID)
	if err != nil {
		return false, fmt.Errorf("load catalog entry: %w", err)
	}
	return med.Regulated && med.MaxRegulated != nil && price > *med.MaxRegulated, nil
}
