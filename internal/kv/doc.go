// Package kv groups the scanner.KVStore implementations: an in-memory store
// for development and tests, a LevelDB-backed store for single-node
// deployments and a Postgres-backed store for shared deployments.
package kv
