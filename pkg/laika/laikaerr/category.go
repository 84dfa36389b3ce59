package laikaerr

import "errors"

// Category represents how an error should be handled once it reaches the
// Dispatcher's error-handling boundary.
type Category int

const (
	// CategoryCounted means the error is logged and counted; no retry,
	// no crash. MatchMiss, BadKey, ScriptError, and TemplateError all
	// resolve here: the event (or rule firing) is simply dropped.
	CategoryCounted Category = iota

	// CategoryTransient means a retry is likely to succeed. StoreError
	// with Permanent=false and TargetError resolve here.
	CategoryTransient

	// CategoryPermanent means retrying will not help and the failure
	// should stop the worker so supervision can restart it. A
	// StoreError with Permanent=true resolves here.
	CategoryPermanent

	// CategoryFatal means the process cannot start at all. ConfigError
	// always resolves here.
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryCounted:
		return "counted"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryCounted
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return CategoryFatal
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		if storeErr.Permanent {
			return CategoryPermanent
		}
		return CategoryTransient
	}

	var targetErr *TargetError
	if errors.As(err, &targetErr) {
		return CategoryTransient
	}

	// IngestError, MatchMiss, BadKey, ScriptError, TemplateError: all
	// drop-and-count.
	return CategoryCounted
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
