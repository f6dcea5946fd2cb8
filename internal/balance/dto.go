package balance

import "time"

// TimestampLayout is the fixed-width RFC 3339 form used on the wire. Stored
// times carry microsecond precision, so the strings sort chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// BalanceSnapshot is the wire form of a balance shared by the REST and RPC surfaces.
type BalanceSnapshot struct {
	UserID      string `json:"user_id"`
	Current     int64  `json:"current"`
	Maximum     int64  `json:"maximum"`
	LockedTotal int64  `json:"locked_total"`
}

// ReservationSnapshot is the wire form of a reservation. Timestamps are
// TimestampLayout strings in UTC; closed_at is omitted while the reservation is open.
type ReservationSnapshot struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	ServiceID    string `json:"service_id"`
	ExternalTxID string `json:"external_tx_id"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at"`
	ClosedAt     string `json:"closed_at,omitempty"`
}

// Snapshot converts b to its wire form.
func (b Balance) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{
		UserID:      b.UserID,
		Current:     b.Current,
		Maximum:     b.Maximum,
		LockedTotal: b.LockedTotal,
	}
}

// Snapshot converts r to its wire form.
func (r Reservation) Snapshot() ReservationSnapshot {
	s := ReservationSnapshot{
		ID:           r.ID,
		UserID:       r.UserID,
		ServiceID:    r.ServiceID,
		ExternalTxID: r.ExternalTxID,
		Amount:       r.Amount,
		Status:       string(r.Status),
		CreatedAt:    formatTime(r.CreatedAt),
		ExpiresAt:    formatTime(r.ExpiresAt),
	}
	if r.ClosedAt != nil {
		s.ClosedAt = formatTime(*r.ClosedAt)
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
