package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConfigured  = errors.New("research not configured")
	ErrRunNotFound    = errors.New("run not found")
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadClosed   = errors.New("thread actor closed")
	ErrServiceClosed  = errors.New("service closed")
)

// ErrorKind is the stable failure taxonomy carried on terminal failed events.
type ErrorKind string

const (
	ErrorKindGeneration ErrorKind = "generation"
	ErrorKindProvider   ErrorKind = "provider"
	ErrorKindCitation   ErrorKind = "citation_integrity"
	ErrorKindTimeout    ErrorKind = "timed_out"
	ErrorKindInternal   ErrorKind = "internal"
)

// GenerationError reports an unusable model completion (empty or unparsable
// output) from a synthesis node. It always fails the run.
type GenerationError struct {
	Node   string
	Reason string
}

func (e *GenerationError) Error() string {
	node := strings.TrimSpace(e.Node)
	if node == "" {
		node = "generation"
	}
	return fmt.Sprintf("%s: %s", node, strings.TrimSpace(e.Reason))
}

// ProviderError reports an unreachable or failing external backend (LLM or
// web search transport).
type ProviderError struct {
	Backend string
	Err     error
}

func (e *ProviderError) Error() string {
	backend := strings.TrimSpace(e.Backend)
	if backend == "" {
		backend = "provider"
	}
	if e.Err == nil {
		return backend + ": provider error"
	}
	return backend + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CitationIntegrityError reports citation ids in a draft answer that do not
// resolve to known sources. It is recoverable: the finalizer scrubs the
// dangling citations and the run still completes.
type CitationIntegrityError struct {
	Missing []string
}

func (e *CitationIntegrityError) Error() string {
	return fmt.Sprintf("citations do not resolve to known sources: %s", strings.Join(e.Missing, ", "))
}

// classifyErrorKind maps a node failure to its terminal error kind.
func classifyErrorKind(err error) ErrorKind {
	if err == nil {
		return ErrorKindInternal
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return ErrorKindGeneration
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return ErrorKindProvider
	}
	var citErr *CitationIntegrityError
	if errors.As(err, &citErr) {
		return ErrorKindCitation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindInternal
}
