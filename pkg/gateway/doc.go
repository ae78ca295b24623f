// Package gateway is the admission decision point. It composes identity
// resolution, policy matching, counter evaluation, progressive penalties,
// and the backend circuit breaker into a single Evaluate call that always
// produces a Decision, never an error.
//
// The host framework stays in charge of HTTP: it hands the gateway parsed
// headers, the peer address, decoded auth claims, and an endpoint label,
// then renders the returned decision with Decision.Headers and, on deny,
// Decision.DenyPayload.
package gateway
