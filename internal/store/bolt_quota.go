package store

import (
	"github.com/samcat116/strato/internal/core"
)

// --- Resource quotas ---

// SaveQuota persists a resource quota.
func (s *Store) SaveQuota(q core.ResourceQuota) error {
	return s.putJSON(bucketQuotas, q.ID, q)
}

// GetQuota loads a quota by id.
func (s *Store) GetQuota(id string) (core.ResourceQuota, error) {
	var q core.ResourceQuota
	err := s.getJSON(bucketQuotas, id, &q)
	return q, err
}

// ListQuotas returns all quotas.
func (s *Store) ListQuotas() ([]core.ResourceQuota, error) {
	var out []core.ResourceQuota
	err := forEachJSON(s, bucketQuotas, func(q core.ResourceQuota) error {
		out = append(out, q)
		return nil
	})
	return out, err
}

// ListQuotasByScope returns all quotas attached to the given scope entity.
func (s *Store) ListQuotasByScope(scope core.ScopeRef) ([]core.ResourceQuota, error) {
	var out []core.ResourceQuota
	err := forEachJSON(s, bucketQuotas, func(q core.ResourceQuota) error {
		if q.Scope == scope {
			out = append(out, q)
		}
		return nil
	})
	return out, err
}

// DeleteQuota removes a quota record.
func (s *Store) DeleteQuota(id string) error {
	return s.delete(bucketQuotas, id)
}

// --- Reservations ---

// SaveReservation persists a ledger reservation.
func (s *Store) SaveReservation(r core.Reservation) error {
	return s.putJSON(bucketReservations, r.ID, r)
}

// GetReservation loads a reservation by id.
func (s *Store) GetReservation(id string) (core.Reservation, error) {
	var r core.Reservation
	err := s.getJSON(bucketReservations, id, &r)
	return r, err
}

// ListReservations returns all reservations.
func (s *Store) ListReservations() ([]core.Reservation, error) {
	var out []core.Reservation
	err := forEachJSON(s, bucketReservations, func(r core.Reservation) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// DeleteReservation removes a reservation record.
func (s *Store) DeleteReservation(id string) error {
	return s.delete(bucketReservations, id)
}
