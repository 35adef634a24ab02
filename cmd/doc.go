// Package cmd defines the scanner's CLI.
//
// Architecture overview:
//   - serve: internal/api exposes health, metrics, target preview, scan and
//     dimension endpoints, while internal/schedule ticks due events
//     (site_scan, url_validate, cache_gc) against the shared KV store.
//   - scan: one validation run. Targets come from the site manifest, the
//     runner validates them one at a time under a KV lock, and the summary is
//     saved, written as a JSON report and announced on Pub/Sub when enabled.
//   - targets: prints the targets a run would cover.
//   - deactivate: unschedules every scheduled task.
//
// Configuration comes from an optional file (--config) overlaid with
// SCANNER_* environment variables, e.g. SCANNER_KV_BACKEND=leveldb.
package cmd
