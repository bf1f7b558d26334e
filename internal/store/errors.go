package store

import "errors"

// ErrNotFound is returned when a lookup by id/code matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by conditional updates when the row's
// version or status no longer matches what the caller expected: the losing
// updater observes zero rows changed and skips its transition.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrDuplicateBrokerOrderID is returned when a broker order id collides with
// an existing row, enforcing broker order id uniqueness at the database
// boundary.
var ErrDuplicateBrokerOrderID = errors.New("store: duplicate broker order id")
