package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seededLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	require.NoError(t, l.Record(OrderRecord{Label: "Entry", Category: CategoryEntries, Side: "SELL", TargetPrice: d("0.0222"), SizeUSD: d("60")}))
	require.NoError(t, l.Record(OrderRecord{Label: "Rebuy 1", Category: CategoryEntries, Side: "SELL", TargetPrice: d("0.023"), SizeUSD: d("20")}))
	require.NoError(t, l.Record(OrderRecord{Label: "TP1", Category: CategoryTakeProfits, Side: "BUY", ReduceOnly: true, TargetPrice: d("0.0219"), SizePercent: d("20")}))
	require.NoError(t, l.Record(OrderRecord{Label: "SL", Category: CategoryStopLoss, Side: "BUY", ReduceOnly: true, TargetPrice: d("0.024699")}))
	return l
}

// ============================================================================
// TEST CASES: RECORD AND TRANSITIONS
// ============================================================================

func TestRecordRejectsDuplicateLabel(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	err := l.Record(OrderRecord{Label: "Entry", Category: CategoryEntries})
	assert.True(t, errors.Is(err, ErrDuplicateLabel))
	assert.Equal(t, 4, l.Len())

	rec, ok := l.Get("Entry")
	require.True(t, ok)
	assert.Equal(t, StatusUnsubmitted, rec.Status)
}

func TestMarkSubmittedFilledCancelled(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	require.NoError(t, l.MarkSubmitted("Entry", "1001"))
	rec, _ := l.Get("Entry")
	assert.True(t, rec.IsOpen())
	assert.Equal(t, "1001", rec.ExchangeOrderID)

	at := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.MarkFilled("Entry", at, d("54054"), d("0.0222")))
	rec, _ = l.Get("Entry")
	assert.True(t, rec.Filled)
	assert.Equal(t, at, *rec.FilledAt)
	assert.True(t, rec.FilledQty.Equal(d("54054")))

	// second fill report is a no-op
	require.NoError(t, l.MarkFilled("Entry", at.Add(time.Minute), d("1"), d("1")))
	rec, _ = l.Get("Entry")
	assert.Equal(t, at, *rec.FilledAt)

	// cancelling a filled order leaves it filled
	require.NoError(t, l.MarkCancelled("Entry"))
	rec, _ = l.Get("Entry")
	assert.Equal(t, StatusFilled, rec.Status)

	require.NoError(t, l.MarkCancelled("Rebuy 1"))
	require.NoError(t, l.MarkCancelled("Rebuy 1"))
	assert.ErrorIs(t, l.MarkFilled("Rebuy 1", at, d("1"), d("1")), ErrAlreadyTerminal)
	assert.ErrorIs(t, l.MarkSubmitted("Rebuy 1", "1002"), ErrAlreadyTerminal)
}

func TestMarkCancelledAfterFillKeepsExecutedQuantity(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	require.NoError(t, l.MarkSubmitted("Entry", "1001"))
	require.NoError(t, l.MarkSubmitted("Rebuy 1", "1002"))
	at := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.MarkFilled("Rebuy 1", at, d("869"), d("0.023")))

	require.NoError(t, l.MarkCancelledAfterFill("Entry", at, d("20000"), d("0.0222")))
	rec, _ := l.Get("Entry")
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, rec.Filled)
	assert.True(t, rec.FilledQty.Equal(d("20000")))
	assert.True(t, rec.FillPrice.Equal(d("0.0222")))

	assert.True(t, l.FilledQuantity(CategoryEntries).Equal(d("20869")))
	assert.False(t, l.IsFullyFilled(CategoryEntries))
	assert.ErrorIs(t, l.MarkCancelledAfterFill("Entry", at, d("1"), d("1")), ErrAlreadyTerminal)
}

func TestUnknownLabel(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	assert.ErrorIs(t, l.MarkSubmitted("Rebuy 9", "1"), ErrUnknownLabel)
	assert.ErrorIs(t, l.MarkCancelled("Rebuy 9"), ErrUnknownLabel)
	_, ok := l.Get("Rebuy 9")
	assert.False(t, ok)
}

func TestMarkRejectedCountsAndResets(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	n, err := l.MarkRejected("TP1", "price out of range")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = l.MarkRejected("TP1", "price out of range")
	assert.Equal(t, 2, n)

	require.NoError(t, l.MarkSubmitted("TP1", "77"))
	rec, _ := l.Get("TP1")
	assert.Zero(t, rec.Rejections)
	assert.Empty(t, rec.LastError)
}

func TestRepriceBumpsVersion(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	require.NoError(t, l.MarkSubmitted("SL", "9"))
	require.NoError(t, l.Reprice("SL", d("0.0222"), d("100"), func(v int) string {
		return ClientOrderID("01JABCDEF", "SL", v)
	}))
	rec, _ := l.Get("SL")
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, StatusUnsubmitted, rec.Status)
	assert.Empty(t, rec.ExchangeOrderID)
	assert.Equal(t, "01JABCDEF-SL-1", rec.ClientOrderID)
	assert.True(t, rec.TargetPrice.Equal(d("0.0222")))
}

func TestReopenKeepsVersion(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	require.NoError(t, l.Reprice("SL", d("0.0222"), d("100"), func(v int) string {
		return ClientOrderID("01JABCDEF", "SL", v)
	}))
	require.NoError(t, l.MarkSubmitted("SL", "9"))
	require.NoError(t, l.Reopen("SL"))

	rec, _ := l.Get("SL")
	assert.Equal(t, StatusUnsubmitted, rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "01JABCDEF-SL-1", rec.ClientOrderID)

	require.NoError(t, l.MarkCancelled("Entry"))
	assert.ErrorIs(t, l.Reopen("Entry"), ErrAlreadyTerminal)
}

// ============================================================================
// TEST CASES: QUERIES
// ============================================================================

func TestPendingLabelsAndFullyFilled(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	assert.Equal(t, []string{"Entry", "Rebuy 1", "TP1", "SL"}, l.PendingLabels())
	assert.False(t, l.IsFullyFilled(CategoryEntries))

	now := time.Now()
	require.NoError(t, l.MarkFilled("Entry", now, d("10"), d("1")))
	require.NoError(t, l.MarkFilled("Rebuy 1", now, d("5"), d("1.1")))
	assert.True(t, l.IsFullyFilled(CategoryEntries))
	assert.False(t, l.IsFullyFilled(CategoryTakeProfits))
	assert.Equal(t, []string{"TP1", "SL"}, l.PendingLabels())
	assert.True(t, l.FilledQuantity(CategoryEntries).Equal(d("15")))

	empty := NewLedger()
	assert.False(t, empty.IsFullyFilled(CategoryTakeProfits))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	c := l.Clone()
	require.NoError(t, c.MarkFilled("Entry", time.Now(), d("1"), d("1")))

	orig, _ := l.Get("Entry")
	assert.False(t, orig.Filled)
	cloned, _ := c.Get("Entry")
	assert.True(t, cloned.Filled)
	assert.Len(t, c.ByCategory(CategoryEntries), 2)
}

func TestFromRecordsRoundTrip(t *testing.T) {
	t.Parallel()

	l := seededLedger(t)
	require.NoError(t, l.MarkSubmitted("Entry", "5"))
	rebuilt := FromRecords(l.Records())
	rec, ok := rebuilt.Get("Entry")
	require.True(t, ok)
	assert.Equal(t, "5", rec.ExchangeOrderID)
	assert.Equal(t, l.PendingLabels(), rebuilt.PendingLabels())
}

// ============================================================================
// TEST CASES: CLIENT ORDER IDS
// ============================================================================

func TestClientOrderID(t *testing.T) {
	t.Parallel()

	id := ClientOrderID("01JA8Q2M4X7RZK1PQWERTYUIOP", "Rebuy 1", 2)
	assert.Equal(t, "1PQWERTYUIOP-REBUY1-2", id)
	assert.NoError(t, ValidateClientOrderID(id))
	assert.LessOrEqual(t, len(id), MaxClientOrderIDLength)

	long := ClientOrderID("01JA8Q2M4X7RZK1PQWERTYUIOP", "Take profit level number seven", 99)
	assert.NoError(t, ValidateClientOrderID(long))

	assert.Equal(t, ClientOrderID("t", "SL", 3), ClientOrderID("t", "SL", 3))
	assert.NotEqual(t, ClientOrderID("t", "SL", 3), ClientOrderID("t", "SL", 4))
}

func TestValidateClientOrderIDRejects(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ValidateClientOrderID(""), ErrInvalidClientOrderID)
	assert.ErrorIs(t, ValidateClientOrderID("A-B"), ErrInvalidClientOrderID)
	assert.ErrorIs(t, ValidateClientOrderID("A-B-x"), ErrInvalidClientOrderID)
	assert.ErrorIs(t, ValidateClientOrderID("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA-B-1"), ErrClientOrderIDTooLong)
}
