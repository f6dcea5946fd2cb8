package balance

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceValidate(t *testing.T) {
	cases := []struct {
		name string
		b    Balance
		ok   bool
	}{
		{"zero", Balance{}, true},
		{"healthy", Balance{Current: 40, Maximum: 100, LockedTotal: 60}, true},
		{"negative current", Balance{Current: -1, Maximum: 10}, false},
		{"negative maximum", Balance{Maximum: -1}, false},
		{"negative locked", Balance{Maximum: 10, LockedTotal: -1}, false},
		{"current above maximum", Balance{Current: 11, Maximum: 10}, false},
		{"sum above maximum", Balance{Current: 6, Maximum: 10, LockedTotal: 5}, false},
		{"sum wraps past int64", Balance{Current: math.MaxInt64, Maximum: math.MaxInt64, LockedTotal: 10}, false},
		{"full int64 range", Balance{Current: math.MaxInt64 - 10, Maximum: math.MaxInt64, LockedTotal: 10}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrLimitViolation)
		})
	}
}

func TestWithMaximumDelta(t *testing.T) {
	b := Balance{Current: 30, Maximum: 100, LockedTotal: 20}

	next, err := b.withMaximumDelta(-50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), next.Maximum)
	assert.Equal(t, int64(100), b.Maximum, "receiver must not change")

	_, err = b.withMaximumDelta(-51)
	assert.ErrorIs(t, err, ErrLimitViolation)

	_, err = b.withMaximumDelta(-101)
	assert.ErrorIs(t, err, ErrLimitViolation)

	_, err = Balance{Maximum: math.MaxInt64}.withMaximumDelta(1)
	assert.ErrorIs(t, err, ErrLimitViolation)
}

func TestWithCurrentDelta(t *testing.T) {
	b := Balance{Current: 30, Maximum: 100, LockedTotal: 20}

	next, err := b.withCurrentDelta(50)
	require.NoError(t, err)
	assert.Equal(t, int64(80), next.Current)

	_, err = b.withCurrentDelta(51)
	assert.ErrorIs(t, err, ErrLimitViolation)

	_, err = b.withCurrentDelta(-31)
	assert.ErrorIs(t, err, ErrLimitViolation)

	huge := Balance{Current: 10, Maximum: math.MaxInt64, LockedTotal: 10}
	_, err = huge.withCurrentDelta(math.MaxInt64 - 10)
	assert.ErrorIs(t, err, ErrLimitViolation, "locked total leaves no room")

	next, err = huge.withCurrentDelta(math.MaxInt64 - 20)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), next.Current)
}

func TestWithHoldNearInt64Limit(t *testing.T) {
	full := Balance{Current: math.MaxInt64, Maximum: math.MaxInt64}
	_, err := full.withHold(math.MaxInt64)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = full.withHold(1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	half := Balance{Current: math.MaxInt64 / 2, Maximum: math.MaxInt64}
	held, err := half.withHold(math.MaxInt64 / 2)
	require.NoError(t, err)
	assert.NoError(t, held.Validate())
}

func TestWithHoldAndSpend(t *testing.T) {
	b := Balance{Current: 100, Maximum: 150}

	held, err := b.withHold(50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), held.LockedTotal)

	_, err = held.withHold(1)
	assert.ErrorIs(t, err, ErrInsufficientFunds, "sum would pass the ceiling")

	spent, err := held.withSpend(50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), spent.Current)
	assert.Equal(t, int64(0), spent.LockedTotal)

	_, err = spent.withRelease(1)
	assert.ErrorIs(t, err, ErrLimitViolation)
}

func TestRepairedClampsCurrent(t *testing.T) {
	cases := []struct {
		name    string
		b       Balance
		locked  int64
		current int64
	}{
		{"untouched", Balance{Current: 10, Maximum: 100, LockedTotal: 5}, 5, 10},
		{"clamped under ceiling", Balance{Current: 90, Maximum: 100}, 30, 70},
		{"negative raised", Balance{Current: -5, Maximum: 100}, 0, 0},
		{"locked above maximum", Balance{Current: 10, Maximum: 20}, 25, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.b.repaired(tc.locked)
			assert.Equal(t, tc.locked, got.LockedTotal)
			assert.Equal(t, tc.current, got.Current)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, Status("pending").Valid())
}

func TestReservationExpiredAt(t *testing.T) {
	deadline := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := Reservation{ExpiresAt: deadline}
	assert.False(t, r.ExpiredAt(deadline), "deadline itself is still valid")
	assert.True(t, r.ExpiredAt(deadline.Add(time.Microsecond)))
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindNotFound, "no reservation")
	wrapped := errors.Join(errors.New("context"), err)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrExpired)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "not_found: no reservation", err.Error())
}
