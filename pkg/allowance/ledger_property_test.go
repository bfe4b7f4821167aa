//go:build property
// +build property

package allowance_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/kv"
)

func TestLedgerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("absent or disabled allowance always permits", prop.ForAll(
		func(spent, price int64, explicitlyDisabled bool) bool {
			ctx := context.Background()
			l := allowance.NewLedger(kv.NewMemoryStore(), allowance.WithScale(0))
			if err := l.Install(ctx); err != nil {
				return false
			}
			if ok, err := l.Check(ctx, origin, price); err != nil || !ok {
				return false
			}
			if err := l.RecordSpend(ctx, origin, spent); err != nil {
				return false
			}
			if explicitlyDisabled {
				if err := l.SetEnabled(ctx, origin, false); err != nil {
					return false
				}
			}
			ok, err := l.Check(ctx, origin, price)
			return err == nil && ok
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
		gen.Bool(),
	))

	properties.Property("recorded spend never decreases", prop.ForAll(
		func(prices []int64) bool {
			ctx := context.Background()
			l := allowance.NewLedger(kv.NewMemoryStore())
			if err := l.Install(ctx); err != nil {
				return false
			}
			var last int64
			for _, p := range prices {
				if err := l.RecordSpend(ctx, origin, p); err != nil {
					return false
				}
				rec, err := l.Get(ctx, origin)
				if err != nil || rec.SpentMinorUnits < last {
					return false
				}
				last = rec.SpentMinorUnits
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1<<32)),
	))

	properties.TestingRun(t)
}
