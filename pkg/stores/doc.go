// Package stores provides persistence layer implementations for mintflow.
// SQLiteStore keeps deployment records with their append-only status
// history, idempotency records, and the orchestration audit trail in a single
// SQLite database with embedded migrations. MemoryDeploymentStore is an
// in-process deployment store for tests and ephemeral runs.
package stores
