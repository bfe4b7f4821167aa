package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/kv"
)

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestLog_RecordAndVerify(t *testing.T) {
	ctx := context.Background()
	l := audit.NewLog(kv.NewMemoryStore(), nil).WithClock(fixedClock)

	r, err := l.Record(ctx, contracts.AuthKindConnect, "https://a.example", contracts.Granted("c1", contracts.ReasonGranted), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Len(t, r.ContentHash, 64)
	assert.True(t, audit.Verify(r))

	tampered := r
	tampered.Granted = false
	assert.False(t, audit.Verify(tampered))

	list, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r, list[0])
}

func TestHash_IgnoresFieldOrderAndStoredHash(t *testing.T) {
	r := audit.Receipt{ID: "x", CorrelationID: "c", Kind: contracts.AuthKindSpendLimit, Origin: "o", Reason: "user_cancelled", DecidedAt: fixedClock()}
	h1, err := audit.Hash(r)
	require.NoError(t, err)
	r.ContentHash = "something"
	h2, err := audit.Hash(r)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestLog_CapacityAndFilter(t *testing.T) {
	ctx := context.Background()
	l := audit.NewLog(kv.NewMemoryStore(), codec.CBOR{}).WithCapacity(3)

	for i, o := range []contracts.Origin{"a", "b", "a", "b", "a"} {
		_, err := l.Record(ctx, contracts.AuthKindConnect, o, contracts.Denied(string(rune('0'+i)), contracts.ReasonUserCancelled), 1)
		require.NoError(t, err)
	}

	all, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].CorrelationID)

	onlyA, err := l.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
}

func TestLog_EmptyList(t *testing.T) {
	list, err := audit.NewLog(kv.NewMemoryStore(), nil).List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}
