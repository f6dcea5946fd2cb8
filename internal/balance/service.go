package balance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/balancehold/balancehold/internal/metrics"
	"github.com/balancehold/balancehold/internal/notification"
)

// Service validates caller input and runs each engine operation in its own
// unit of work.
type Service struct {
	store    Store
	engine   *Engine
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService builds a balance service. notifier and m may be nil.
func NewService(store Store, engine *Engine, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = engine.logger
	}
	return &Service{store: store, engine: engine, notifier: notifier, metrics: m, logger: logger}
}

// OpenInput captures data required to open a reservation.
type OpenInput struct {
	UserID         string
	ServiceID      string
	ExternalTxID   string
	Amount         int64
	TimeoutSeconds int64
}

// Balance returns the user's balance, creating it on first access.
func (s *Service) Balance(ctx context.Context, userID string) (b Balance, err error) {
	defer s.observe("get_balance", time.Now(), &err)
	if err = validateID("user_id", userID); err != nil {
		return Balance{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		b, err = s.engine.GetOrCreateBalance(ctx, tx, userID)
		return err
	})
	return b, err
}

// AdjustMaximum moves the user's ceiling by delta.
func (s *Service) AdjustMaximum(ctx context.Context, userID string, delta int64) (b Balance, err error) {
	defer s.observe("adjust_maximum", time.Now(), &err)
	if err = validateID("user_id", userID); err != nil {
		return Balance{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		b, err = s.engine.AdjustMaximum(ctx, tx, userID, delta)
		return err
	})
	return b, err
}

// AdjustCurrent moves the user's spendable amount by delta.
func (s *Service) AdjustCurrent(ctx context.Context, userID string, delta int64) (b Balance, err error) {
	defer s.observe("adjust_current", time.Now(), &err)
	if err = validateID("user_id", userID); err != nil {
		return Balance{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		b, err = s.engine.AdjustCurrent(ctx, tx, userID, delta)
		return err
	})
	return b, err
}

// OpenReservation places a hold of input.Amount for at most one hour.
func (s *Service) OpenReservation(ctx context.Context, input OpenInput) (r Reservation, err error) {
	defer s.observe("open_reservation", time.Now(), &err)
	key := Key{UserID: input.UserID, ServiceID: input.ServiceID, ExternalTxID: input.ExternalTxID}
	if err = validateKey(key); err != nil {
		return Reservation{}, err
	}
	if input.Amount <= 0 {
		return Reservation{}, newError(KindInvalidArgument, "amount must be positive (got %d)", input.Amount)
	}
	maxSeconds := int64(MaxReservationTimeout / time.Second)
	if input.TimeoutSeconds < 1 || input.TimeoutSeconds > maxSeconds {
		return Reservation{}, newError(KindInvalidArgument, "timeout_seconds must be between 1 and %d (got %d)", maxSeconds, input.TimeoutSeconds)
	}

	req := OpenRequest{Key: key, Amount: input.Amount, Timeout: time.Duration(input.TimeoutSeconds) * time.Second}
	err = InTx(ctx, s.store, func(tx Tx) error {
		r, err = s.engine.OpenReservation(ctx, tx, req)
		return err
	})
	return r, err
}

// ConfirmReservation spends a held amount. When the reservation is past its
// deadline the returned reservation is the canceled one and err is ErrExpired.
func (s *Service) ConfirmReservation(ctx context.Context, key Key) (r Reservation, err error) {
	defer s.observe("confirm_reservation", time.Now(), &err)
	if err = validateKey(key); err != nil {
		return Reservation{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		r, err = s.engine.ConfirmReservation(ctx, tx, key)
		return err
	})
	return r, err
}

// CancelReservation releases a held amount.
func (s *Service) CancelReservation(ctx context.Context, key Key) (r Reservation, err error) {
	defer s.observe("cancel_reservation", time.Now(), &err)
	if err = validateKey(key); err != nil {
		return Reservation{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		r, err = s.engine.CancelReservation(ctx, tx, key)
		return err
	})
	return r, err
}

// Reservation looks a reservation up by its idempotency key.
func (s *Service) Reservation(ctx context.Context, key Key) (r Reservation, err error) {
	defer s.observe("get_reservation", time.Now(), &err)
	if err = validateKey(key); err != nil {
		return Reservation{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		r, err = s.engine.GetReservation(ctx, tx, key)
		return err
	})
	return r, err
}

// RepairBalance recomputes the user's locked total from open reservations.
func (s *Service) RepairBalance(ctx context.Context, userID string) (b Balance, err error) {
	defer s.observe("repair_balance", time.Now(), &err)
	if err = validateID("user_id", userID); err != nil {
		return Balance{}, err
	}
	err = InTx(ctx, s.store, func(tx Tx) error {
		b, err = s.engine.RepairBalance(ctx, tx, userID)
		return err
	})
	return b, err
}

// SweepExpired cancels up to batchSize expired reservations in one unit of
// work, then tells each owning service about its lapsed holds.
func (s *Service) SweepExpired(ctx context.Context, batchSize int) (int, error) {
	var canceled []Reservation
	err := InTx(ctx, s.store, func(tx Tx) error {
		var err error
		canceled, err = s.engine.sweep(ctx, tx, batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.notifyExpired(ctx, canceled)
	return len(canceled), nil
}

func (s *Service) notifyExpired(ctx context.Context, canceled []Reservation) {
	if s.notifier == nil {
		return
	}
	for _, r := range canceled {
		msg := notification.Message{
			Kind:        notification.KindReservationExpired,
			Destination: r.ServiceID,
			Body:        fmt.Sprintf("reservation %s for user %s (tx %s, amount %d) expired", r.ID, r.UserID, r.ExternalTxID, r.Amount),
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.metrics.NotificationFailed()
			s.logger.Warn("expiry notification failed",
				slog.String("reservation_id", r.ID),
				slog.String("service_id", r.ServiceID),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Service) observe(operation string, start time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	s.metrics.ObserveOperation(operation, outcome, time.Since(start))
}

func validateID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return newError(KindInvalidArgument, "%s is required", field)
	}
	if n := utf8.RuneCountInString(value); n > maxIDLength {
		return newError(KindInvalidArgument, "%s exceeds %d characters (got %d)", field, maxIDLength, n)
	}
	return nil
}

func validateKey(key Key) error {
	if err := validateID("user_id", key.UserID); err != nil {
		return err
	}
	if err := validateID("service_id", key.ServiceID); err != nil {
		return err
	}
	return validateID("external_tx_id", key.ExternalTxID)
}
