// Package download fetches bundle files into a cache.Store.
//
// A [Manager] owns the network side: it deduplicates concurrent requests
// for the same file, bounds simultaneous transfers, retries transient
// failures with backoff (alternating main and fallback URLs), resumes large
// partial files with HTTP range requests, and verifies content before
// committing it under its final name.
//
// Scheduler-facing work is expressed as operations: [FileOperation] for one
// bundle, [Batch] for a set, and [RequestOperation] for small text payloads
// such as version descriptors and manifests.
package download
