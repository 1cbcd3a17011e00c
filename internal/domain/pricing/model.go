package pricing

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoValidPrice indicates no provider carries a price valid at the
// requested instant for the medication.
var ErrNoValidPrice = errors.New("no valid price for medication")

// ErrProviderNotFound indicates the requested supplier does not exist.
var ErrProviderNotFound = errors.New("provider not found")

// Provider is a supplier whose tariffs feed the price table.
type Provider struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	TaxID     string    `db:"tax_id" json:"tax_id"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PriceRecord is one provider's current offer for one catalog entry. The
// table keeps a single row per (medication, provider); publishing a newer
// tariff overwrites it. A nil ValidTo means the offer is open-ended.
type PriceRecord struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	MedicationID uuid.UUID  `db:"medication_id" json:"medication_id"`
	ProviderID   uuid.UUID  `db:"provider_id" json:"provider_id"`
	UnitPrice    float64    `db:"unit_price" json:"unit_price"`
	MinUnitPrice *float64   `db:"min_unit_price" json:"min_unit_price,omitempty"`
	PackagePrice *float64   `db:"package_price" json:"package_price,omitempty"`
	VATRate      *float64   `db:"vat_rate" json:"vat_rate,omitempty"`
	ValidFrom    time.Time  `db:"valid_from" json:"valid_from"`
	ValidTo      *time.Time `db:"valid_to" json:"valid_to,omitempty"`
	PublishedAt  time.Time  `db:"published_at" json:"published_at"`
}

// ValidAt reports whether the offer covers the given instant.
func (p *PriceRecord) ValidAt(t time.Time) bool {
	if t.Before(p.ValidFrom) {
		return false
	}
	return p.ValidTo == nil || !t.After(*p.ValidTo)
}

// Offer is one provider price annotated with its deviation from the best
// offer in the same comparison, as a percentage of the best unit price.
// The best offer itself deviates 0.
type Offer struct {
	PriceRecord
	DeviationPct float64 `json:"deviation_pct"`
}

// Quote is the selection outcome for one medication: the winning offer, the
// full ranked comparison, and the regulated-cap advisory. CapExceeded is
// reporting only; a price above the cap still wins if it is the cheapest.
type Quote struct {
	MedicationID uuid.UUID    `json:"medication_id"`
	Best         *PriceRecord `json:"best"`
	Offers       []Offer      `json:"offers"`
	CapExceeded  bool         `json:"cap_exceeded"`
}
