// Package internal holds the implementation of the WRM-Systems water
// meter sync service.
//
// # Architecture
//
// The service is structured into several key packages:
//   - api: HTTP client for the water meter endpoint
//   - validation: normalization of raw readings into canonical form
//   - storage: durable, deduplicated, retention-bounded reading set
//   - usage: rolling usage metrics derived from stored readings
//   - coordinator: the polling cycle tying the above together
//   - scheduler: periodic cycle trigger
//   - server: HTTP surface over the published snapshot
//
// Key behaviors:
//
//   - Delta sync:
//     After the first run, every cycle fetches only readings newer than
//     the last stored timestamp and merges them in.
//
//   - Historical bootstrap:
//     A first run fetches either a configured number of days or walks
//     the entire available history in fixed backward windows.
//
//   - Resilience:
//     The API client rate-limits itself, retries transient failures with
//     exponential backoff, and never retries auth failures. A failed
//     cycle leaves the stored dataset untouched.
//
// For more information about specific packages, see their respective
// documentation.
package internal
