// Package util provides shared helpers for the gateway: the request
// error taxonomy, context accessors for request-scoped values, the
// JSON error envelope, and client IP extraction.
//
// # Error Conventions
//
// The project follows one error pattern everywhere:
//
//   - Sentinel errors (errors.New) for stable conditions that callers
//     check with errors.Is(). Example: ErrNotFound, ErrCircuitOpen.
//   - Structured error types for errors that carry fields (ConfigError,
//     UpstreamError). Each implements Error(), Unwrap() when wrapping,
//     and Is() against its sentinel.
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// Classify maps any error reaching the dispatcher boundary to an HTTP
// status and a machine-readable code; WriteError renders the envelope.
package util
