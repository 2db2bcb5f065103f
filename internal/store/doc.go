// Package store provides persistence for the gateway's auth state.
//
// # Architecture
//
// Store aggregates four narrow interfaces:
//
//   - NonceStore: single-use challenge nonces
//   - TokenStore: registry of issued agent and user tokens, with cascading revocation
//   - DelegationStore: delegation requests and their status machine
//   - AuditStore: append-only log of security-relevant actions
//
// Two implementations are provided. SQLiteStore persists to a SQLite file through
// either the pure Go modernc.org/sqlite driver ("sqlite", the default) or the cgo
// mattn/go-sqlite3 driver ("sqlite3"). MemoryStore keeps everything in process and
// suits single-instance deployments and tests.
//
// # Atomicity
//
// Operations that guard protocol invariants are single atomic steps in both
// implementations:
//
//   - ConsumeNonce reports NonceValid at most once per nonce
//   - CreateDelegation counts pending requests and inserts in one statement
//   - TransitionDelegation is a compare-and-swap on status
//   - RevokeToken revokes a token and its children in one statement
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps used in comparisons are stored as INTEGER unix nanoseconds.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: key already exists
//   - ErrConflict: a status transition lost its compare-and-swap
//   - ErrPendingLimit: the agent token has too many pending delegation requests
//
// All methods accept context.Context for cancellation support.
package store
