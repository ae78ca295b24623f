// Package store provides the atomic counter backend for admission control.
//
// The single primitive the engine relies on is an atomic check-and-consume:
// concurrent requests against the same key, from one process or from many
// instances sharing the backend, must never both succeed when only one
// token remains. RedisStore executes each operation as one Lua script, so
// no caller observes intermediate state. MemoryStore offers the same
// semantics behind a mutex for tests and single-instance deployments.
//
// All counter keys carry a TTL refreshed on every write; idle keys expire
// at the backend and are recreated lazily on the next request.
package store
