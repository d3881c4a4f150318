// Package cache manages the flat on-disk directory holding downloaded bundle
// files.
//
// A [Store] maps bundle records to paths, verifies cached files at a
// configurable [verify.Level], and commits finished downloads atomically.
// [Store.Scan] reconciles the directory against one or more manifests,
// classifying files as used or orphaned and required bundles as present or
// missing. [VerifyOperation] and [ClearUnusedOperation] do the expensive
// parts of reconciliation as time-sliced scheduler operations.
package cache
