// Package message defines the message model shared by every queue backend
// and the factory producers use to construct well-formed messages.
//
// A message carries a type, a priority, an opaque JSON-serializable payload
// and retry bookkeeping. Its lifecycle is:
//
//	pending → processing → completed
//	                     → pending (retry, retryCount+1)
//	                     → dead_letter (retries exhausted)
//
// Backends own the transitions; this package only defines the data and the
// invariants (0 <= RetryCount <= MaxRetries outside dead_letter).
package message
