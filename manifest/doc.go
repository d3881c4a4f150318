// Package manifest implements the versioned index that maps asset paths to the
// content-addressed bundle files that carry them.
//
// A Manifest is produced by [Deserialize] (or [New] for tooling) and is
// immutable afterwards: every derived lookup table is built eagerly during the
// load, so a *Manifest can be shared by any number of goroutines without
// synchronization. A load that fails returns no manifest at all.
//
// Payloads are JSON documents. Comments are tolerated and the payload may be
// zstd-compressed; both are detected automatically:
//
//	m, err := manifest.Deserialize(payload, manifest.WithLocationToLower(true))
//	if err != nil {
//	    return err
//	}
//	owner, err := m.ResolveOwner(m.MapLocationToAsset("ui/login"))
package manifest
