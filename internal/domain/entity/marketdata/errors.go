package marketdata

import "errors"

var (
	// ErrMalformedSnapshot rejects input at the ingestion boundary. Such
	// snapshots are never cached, persisted or forwarded.
	ErrMalformedSnapshot = errors.New("malformed order book snapshot")

	// ErrIncompleteBook marks a snapshot with an empty side; it carries raw
	// data only and is excluded from metric computation and persistence.
	ErrIncompleteBook = errors.New("order book side is empty")

	// ErrConnectionNotFound is returned for registry operations on a
	// connection that was never admitted. This is a sequencing error on
	// the caller's side, not a transport condition.
	ErrConnectionNotFound = errors.New("connection not found")
)
