// Package limiter turns resolved policy rules into admission decisions.
//
// A rule names an algorithm (token bucket or sliding window) and one or
// more quotas; the limiter checks each quota against the counter store and
// folds the results into a single Decision carrying the standard
// limit/remaining/reset/retry-after fields.
package limiter
