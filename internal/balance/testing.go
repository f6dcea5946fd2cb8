package balance

// SeedBalance is a test helper that overwrites a balance row when using the
// in-memory store, bypassing the row checks. It lets tests plant drift for
// RepairBalance to fix.
func SeedBalance(s Store, b Balance) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[b.UserID] = b
	}
}

// SeedReservation is a test helper that stores r as-is in the in-memory store.
func SeedReservation(s Store, r Reservation) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.reservations[r.ID] = r
		mem.keys[r.Key()] = r.ID
	}
}
