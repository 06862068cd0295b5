package model

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Sentinel errors for pipeline and retrieval operations. All are checkable
// with errors.Is.
var (
	// ErrInvalidStrategy indicates a configuration named an unregistered
	// chunking or extraction strategy. Not retryable.
	ErrInvalidStrategy = errors.New("invalid strategy")

	// ErrEmbeddingUnavailable indicates the backing embedding model or
	// service could not be reached. Callers should treat this as retryable.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrTraversalBudgetExceeded indicates a graph walk visited more nodes
	// than the configured budget allows.
	ErrTraversalBudgetExceeded = errors.New("traversal budget exceeded")

	// ErrTransientStore indicates a store error that is expected to clear on
	// retry (timeout, connection reset).
	ErrTransientStore = errors.New("transient store error")

	// ErrConsistency indicates the graph store and vector index disagree on
	// the set of live chunks. A repair pass re-derives state from the graph.
	ErrConsistency = errors.New("graph/vector consistency violation")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// IngestionError reports which pipeline stage failed for which document.
type IngestionError struct {
	Stage       IngestionStage
	DocumentRID uuid.UUID
	Cause       error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed at stage %s for document %s: %v", e.Stage, e.DocumentRID, e.Cause)
}

func (e *IngestionError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether an error should be retried at the orchestrator
// stage level. Network timeouts and explicitly marked store errors qualify;
// extraction and validation failures are deterministic and never retried.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransientStore) || errors.Is(err, ErrEmbeddingUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
