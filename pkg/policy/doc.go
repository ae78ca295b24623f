// Package policy resolves effective rate-limit rules from an immutable
// configuration snapshot.
//
// A Snapshot holds the default rule, per-endpoint-pattern overrides,
// per-tier overrides, and the exemption list. Snapshots are never mutated;
// the Resolver swaps a new snapshot in atomically so concurrent evaluations
// always observe a consistent policy. Existing counters are untouched by a
// swap - only future evaluations see the new limits.
//
// Resolution precedence: exemption short-circuit, then exact endpoint
// match, then longest wildcard endpoint match, then tier, then default.
//
// The Loader reads snapshots from a TOML or YAML file with ADMIT_-prefixed
// environment overrides and rejects invalid parameters at load time, so the
// evaluation path never sees a zero or negative limit. The Reloader swaps
// refreshed snapshots on file change or on a cron schedule; a failed reload
// keeps the last good snapshot.
package policy
