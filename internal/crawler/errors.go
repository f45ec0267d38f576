package crawler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrListingStructure signals that a listing page no longer matches any known
// structure. It is the only error that fails a source run.
var ErrListingStructure = errors.New("listing structure not recognized")

// ErrQueueClosed is returned by Dequeue once a closed queue has drained.
var ErrQueueClosed = errors.New("queue closed")

// TransientFetchError is a fetch failure worth retrying (timeouts, resets, 429/5xx).
type TransientFetchError struct {
	URL    string
	Reason string
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient fetch failure for %s (%s): %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("transient fetch failure for %s (%s)", e.URL, e.Reason)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a fetch failure that must not be retried: removed
// listings, blocked or challenge pages, or exhausted retries.
type PermanentFetchError struct {
	URL    string
	Reason string
	Err    error
}

func (e *PermanentFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent fetch failure for %s (%s): %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent fetch failure for %s (%s)", e.URL, e.Reason)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// ExtractError reports required fields that no selector could populate.
type ExtractError struct {
	Source        Source
	URL           string
	MissingFields []string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s record from %s: missing required fields [%s]",
		e.Source, e.URL, strings.Join(e.MissingFields, ", "))
}

// StorageQuorumError reports a blob write accepted by fewer replicas than required.
type StorageQuorumError struct {
	Path     string
	Accepted int
	Required int
	Errs     []error
}

func (e *StorageQuorumError) Error() string {
	return fmt.Sprintf("blob %s accepted by %d replicas, quorum is %d: %v",
		e.Path, e.Accepted, e.Required, errors.Join(e.Errs...))
}

func (e *StorageQuorumError) Unwrap() []error { return e.Errs }

// IdentityConflict is an ambiguous cross-source match that awaits review.
type IdentityConflict struct {
	IdentityKey string
	MatchID     string
	Confidence  float64
}

func (e *IdentityConflict) Error() string {
	return fmt.Sprintf("identity conflict: %s matches product %s with confidence %.3f",
		e.IdentityKey, e.MatchID, e.Confidence)
}

// IsTransient reports whether err carries a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a PermanentFetchError.
func IsPermanent(err error) bool {
	var p *PermanentFetchError
	return errors.As(err, &p)
}

// FailureReason returns a short label for metrics and failure rows.
func FailureReason(err error) string {
	var (
		transient *TransientFetchError
		permanent *PermanentFetchError
		extract   *ExtractError
		quorum    *StorageQuorumError
		conflict  *IdentityConflict
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &permanent):
		return "permanent:" + permanent.Reason
	case errors.As(err, &transient):
		return "transient:" + transient.Reason
	case errors.As(err, &extract):
		return "missing_fields"
	case errors.As(err, &quorum):
		return "quorum"
	case errors.As(err, &conflict):
		return "identity_conflict"
	case errors.Is(err, ErrListingStructure):
		return "listing_structure"
	default:
		return "error"
	}
}
