package balance

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balancehold/balancehold/internal/logging"
	"github.com/balancehold/balancehold/internal/notification"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
	return nil
}

func (n *recordingNotifier) Messages() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.messages...)
}

type fixture struct {
	store    Store
	clock    *testClock
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	clock := newTestClock()
	notifier := &recordingNotifier{}
	engine := NewEngine(logging.Discard(), clock.Now)
	return &fixture{
		store:    store,
		clock:    clock,
		notifier: notifier,
		svc:      NewService(store, engine, notifier, nil, logging.Discard()),
	}
}

// fund gives the user a ceiling and a matching current amount.
func (f *fixture) fund(t *testing.T, userID string, maximum, current int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.AdjustMaximum(ctx, userID, maximum)
	require.NoError(t, err)
	_, err = f.svc.AdjustCurrent(ctx, userID, current)
	require.NoError(t, err)
}

func (f *fixture) open(t *testing.T, userID, txID string, amount, timeout int64) Reservation {
	t.Helper()
	r, err := f.svc.OpenReservation(context.Background(), OpenInput{
		UserID: userID, ServiceID: "svc", ExternalTxID: txID, Amount: amount, TimeoutSeconds: timeout,
	})
	require.NoError(t, err)
	return r
}

func key(userID, txID string) Key {
	return Key{UserID: userID, ServiceID: "svc", ExternalTxID: txID}
}

func assertHealthy(t *testing.T, b Balance) {
	t.Helper()
	assert.NoError(t, b.Validate(), "balance %+v breaks an invariant", b)
}

func TestWalkthroughScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, BalanceSnapshot{UserID: "u1"}, b.Snapshot())

	b, err = f.svc.AdjustMaximum(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Maximum)

	b, err = f.svc.AdjustCurrent(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Current)

	// current + locked_total must stay under the ceiling, so holding 30 needs headroom.
	_, err = f.svc.OpenReservation(ctx, OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx0", Amount: 30, TimeoutSeconds: 60})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = f.svc.AdjustMaximum(ctx, "u1", 50)
	require.NoError(t, err)

	r := f.open(t, "u1", "tx1", 30, 60)
	assert.Equal(t, StatusOpen, r.Status)
	assert.Nil(t, r.ClosedAt)
	assert.Equal(t, r.CreatedAt.Add(60*time.Second), r.ExpiresAt)

	b, err = f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.LockedTotal)
	assert.Equal(t, int64(70), b.Available())

	confirmed, err := f.svc.ConfirmReservation(ctx, key("u1", "tx1"))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ClosedAt)

	b, err = f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), b.Current)
	assert.Equal(t, int64(0), b.LockedTotal)

	_, err = f.svc.OpenReservation(ctx, OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx1", Amount: 30, TimeoutSeconds: 60})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestOpenReservationIsIdempotentWhileOpen(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 200, 100)

	first := f.open(t, "u1", "tx1", 40, 60)
	f.clock.Advance(time.Second)
	second := f.open(t, "u1", "tx1", 40, 60)
	assert.Equal(t, first, second)

	b, err := f.svc.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.LockedTotal, "replay must not hold twice")
}

func TestOpenReservationInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 100, 80)

	_, err := f.svc.OpenReservation(ctx, OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "big", Amount: 81, TimeoutSeconds: 60})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Available covers 21 but current + locked + amount would pass the ceiling.
	_, err = f.svc.OpenReservation(ctx, OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "ceil", Amount: 21, TimeoutSeconds: 60})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	f.open(t, "u1", "ok", 20, 60)
	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.LockedTotal)
	assertHealthy(t, b)

	_, err = f.svc.Reservation(ctx, key("u1", "big"))
	assert.ErrorIs(t, err, ErrNotFound, "rejected open must leave nothing behind")
}

func TestOpenReservationValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	long := make([]byte, maxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name  string
		input OpenInput
	}{
		{"missing user", OpenInput{ServiceID: "svc", ExternalTxID: "tx", Amount: 1, TimeoutSeconds: 1}},
		{"missing service", OpenInput{UserID: "u1", ExternalTxID: "tx", Amount: 1, TimeoutSeconds: 1}},
		{"missing tx", OpenInput{UserID: "u1", ServiceID: "svc", Amount: 1, TimeoutSeconds: 1}},
		{"long tx", OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: string(long), Amount: 1, TimeoutSeconds: 1}},
		{"zero amount", OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx", TimeoutSeconds: 1}},
		{"negative amount", OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx", Amount: -5, TimeoutSeconds: 1}},
		{"zero timeout", OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx", Amount: 1}},
		{"timeout above an hour", OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "tx", Amount: 1, TimeoutSeconds: 3601}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.OpenReservation(ctx, tc.input)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestEngineRejectsInvalidOpenRequest(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(nil, nil)
	err := InTx(context.Background(), store, func(tx Tx) error {
		_, err := engine.OpenReservation(context.Background(), tx, OpenRequest{Key: key("u1", "tx"), Amount: 1, Timeout: 2 * time.Hour})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCancelReleasesHoldOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 200, 100)
	f.open(t, "u1", "tx1", 40, 60)

	canceled, err := f.svc.CancelReservation(ctx, key("u1", "tx1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status)

	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Current)
	assert.Equal(t, int64(0), b.LockedTotal)
}

func TestTerminalOperationsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 200, 100)
	f.open(t, "u1", "c", 10, 60)
	f.open(t, "u1", "x", 20, 60)

	confirmed, err := f.svc.ConfirmReservation(ctx, key("u1", "c"))
	require.NoError(t, err)
	canceled, err := f.svc.CancelReservation(ctx, key("u1", "x"))
	require.NoError(t, err)

	before, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	again, err := f.svc.ConfirmReservation(ctx, key("u1", "c"))
	require.NoError(t, err)
	assert.Equal(t, confirmed, again)
	again, err = f.svc.CancelReservation(ctx, key("u1", "c"))
	require.NoError(t, err)
	assert.Equal(t, confirmed, again, "cancel after confirm returns the confirmed state")
	again, err = f.svc.ConfirmReservation(ctx, key("u1", "x"))
	require.NoError(t, err)
	assert.Equal(t, canceled, again)

	after, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Snapshot(), after.Snapshot())
}

func TestConfirmUnknownReservation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmReservation(context.Background(), key("u1", "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.CancelReservation(context.Background(), key("u1", "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmExpiredCancelsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 200, 100)
	f.open(t, "u1", "tx1", 40, 10)

	f.clock.Advance(10 * time.Second)
	_, err := f.svc.ConfirmReservation(ctx, key("u1", "tx1"))
	require.NoError(t, err, "deadline itself is still confirmable")

	f.open(t, "u1", "tx2", 25, 10)
	f.clock.Advance(11 * time.Second)

	r, err := f.svc.ConfirmReservation(ctx, key("u1", "tx2"))
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindExpired, KindOf(err))
	assert.Equal(t, StatusCanceled, r.Status)

	stored, err := f.svc.Reservation(ctx, key("u1", "tx2"))
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, stored.Status, "expiry cancellation must be committed")

	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.Current)
	assert.Equal(t, int64(0), b.LockedTotal)
}

func TestSweepCancelsEachExpiredReservationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 500, 300)
	f.fund(t, "u2", 500, 300)

	f.open(t, "u1", "a", 10, 5)
	f.open(t, "u1", "b", 20, 5)
	f.open(t, "u2", "c", 30, 5)
	f.open(t, "u2", "live", 40, 600)

	f.clock.Advance(6 * time.Second)
	n, err := f.svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	u1, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u1.LockedTotal)
	assert.Equal(t, int64(300), u1.Current)
	u2, err := f.svc.Balance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(40), u2.LockedTotal)

	live, err := f.svc.Reservation(ctx, key("u2", "live"))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, live.Status)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, notification.KindReservationExpired, m.Kind)
		assert.Equal(t, "svc", m.Destination)
	}
}

func TestSweepHonorsBatchSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 500, 300)
	for _, tx := range []string{"a", "b", "c"} {
		f.open(t, "u1", tx, 10, 1)
	}
	f.clock.Advance(2 * time.Second)

	n, err := f.svc.SweepExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.svc.SweepExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.SweepExpired(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSweepSkipsBrokenItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 500, 300)
	f.fund(t, "u2", 500, 300)
	f.open(t, "u2", "good", 10, 1)

	// An open reservation whose hold was never recorded cannot be released.
	SeedReservation(f.store, Reservation{
		ID: "00000000-0000-0000-0000-000000000001", UserID: "u1", ServiceID: "svc", ExternalTxID: "orphan",
		Amount: 50, Status: StatusOpen, CreatedAt: f.clock.Now(), ExpiresAt: f.clock.Now(),
	})
	f.clock.Advance(2 * time.Second)

	n, err := f.svc.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	good, err := f.svc.Reservation(ctx, key("u2", "good"))
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, good.Status)
	orphan, err := f.svc.Reservation(ctx, key("u1", "orphan"))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, orphan.Status)
}

func TestRepairBalanceFixesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 100, 50)
	f.open(t, "u1", "a", 20, 60)
	f.open(t, "u1", "b", 10, 60)

	healthy, err := f.svc.RepairBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), healthy.LockedTotal)
	assert.Equal(t, int64(50), healthy.Current)

	SeedBalance(f.store, Balance{UserID: "u1", Current: 90, Maximum: 100, LockedTotal: 7})
	repaired, err := f.svc.RepairBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), repaired.LockedTotal)
	assert.Equal(t, int64(70), repaired.Current)
	assertHealthy(t, repaired)
}

func TestOperationsPreserveInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	steps := []func() (Balance, error){
		func() (Balance, error) { return f.svc.AdjustMaximum(ctx, "u1", 100) },
		func() (Balance, error) { return f.svc.AdjustCurrent(ctx, "u1", 60) },
		func() (Balance, error) { return f.svc.AdjustCurrent(ctx, "u1", 41) },
		func() (Balance, error) { return f.svc.AdjustMaximum(ctx, "u1", -41) },
		func() (Balance, error) {
			_, err := f.svc.OpenReservation(ctx, OpenInput{UserID: "u1", ServiceID: "svc", ExternalTxID: "a", Amount: 40, TimeoutSeconds: 30})
			if err != nil {
				return Balance{}, err
			}
			return f.svc.Balance(ctx, "u1")
		},
		func() (Balance, error) { return f.svc.AdjustCurrent(ctx, "u1", 1) },
		func() (Balance, error) { return f.svc.AdjustMaximum(ctx, "u1", -1) },
		func() (Balance, error) {
			if _, err := f.svc.ConfirmReservation(ctx, key("u1", "a")); err != nil {
				return Balance{}, err
			}
			return f.svc.Balance(ctx, "u1")
		},
		func() (Balance, error) { return f.svc.AdjustCurrent(ctx, "u1", -21) },
	}
	for i, step := range steps {
		_, _ = step()
		b, err := f.svc.Balance(ctx, "u1")
		require.NoError(t, err, "step %d", i)
		assertHealthy(t, b)
	}
	final, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, BalanceSnapshot{UserID: "u1", Current: 20, Maximum: 100}, final.Snapshot())
}

func TestConcurrentOpensForSameUserSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 1000, 100)

	const workers = 50
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.OpenReservation(ctx, OpenInput{
				UserID: "u1", ServiceID: "svc", ExternalTxID: string(rune('A' + i)), Amount: 10, TimeoutSeconds: 60,
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case KindOf(err) == KindInsufficientFunds:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, workers-10, insufficient)

	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.LockedTotal)
	assertHealthy(t, b)
}

func TestLargeAmountsKeepInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "u1", math.MaxInt64, 10)
	f.open(t, "u1", "tx1", 10, 60)
	_, err := f.svc.AdjustCurrent(ctx, "u1", math.MaxInt64-10)
	assert.ErrorIs(t, err, ErrLimitViolation)
	b, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Current)
	assertHealthy(t, b)

	f.fund(t, "u2", math.MaxInt64, math.MaxInt64)
	_, err = f.svc.OpenReservation(ctx, OpenInput{
		UserID: "u2", ServiceID: "svc", ExternalTxID: "tx1", Amount: math.MaxInt64, TimeoutSeconds: 60,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	b, err = f.svc.Balance(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, b.LockedTotal)
	assertHealthy(t, b)
}
