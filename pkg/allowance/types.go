// Package allowance enforces per-origin spending limits before
// value-transferring operations.
//
// Limits are stored in major units (as the user typed them) and spent
// amounts in integer minor units. All comparisons are done in minor units
// with arbitrary precision, so no amount is ever routed through a float.
package allowance

import (
	"encoding/json"
	"math/big"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// CollectionKey is the durable-store key holding every allowance.
const CollectionKey = "allowances"

// DefaultLimit is the limit given to records the ledger creates on its own.
const DefaultLimit = "0.1"

// entry is the persisted layout.
type entry struct {
	URL     contracts.Origin `json:"url"`
	Enabled bool             `json:"enabled"`
	Limit   json.Number      `json:"limit"`
	Spent   int64            `json:"spent"`
}

// Record is one origin's allowance. The zero Record (disabled) is what an
// origin without a stored entry has.
type Record struct {
	Origin          contracts.Origin
	Enabled         bool
	Limit           string
	LimitMinorUnits *big.Int
	SpentMinorUnits int64
}

// Permits reports whether spending price on top of the recorded spend stays
// within the limit. Disabled records always permit.
func (r Record) Permits(price int64) bool {
	if !r.Enabled {
		return true
	}
	if r.LimitMinorUnits == nil {
		return false
	}
	total := new(big.Int).Add(big.NewInt(r.SpentMinorUnits), big.NewInt(price))
	return r.LimitMinorUnits.Cmp(total) >= 0
}
