// Package scanner defines the core types and collaborator interfaces shared by
// the compliance scanner subsystems: target discovery, validation runs, the
// dimension pipeline, cache pools and the scheduler.
package scanner
