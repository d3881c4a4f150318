// Package bundle distributes versioned, content-addressed asset bundles to a
// running client.
//
// A [System] is the explicit context object: it owns the operation
// scheduler, the on-disk bundle cache, the download manager, an optional
// state database, and the set of named packages. Each [Package] tracks one
// independently versioned manifest and exposes coarse asynchronous
// operations built on the scheduler.
//
// # Quick Start
//
//	sys, err := bundle.New(
//	    bundle.WithCacheDir("/var/cache/game"),
//	    bundle.WithStateFile("/var/cache/game/state.db"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
//
//	pkg, err := sys.CreatePackage("game",
//	    bundle.WithHostServer("https://cdn.example.com/game"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	req := pkg.UpdateVersion(10 * time.Second)
//	if err := sys.Run(ctx, req.Handle); err != nil {
//	    return err
//	}
//	if err := sys.Run(ctx, pkg.UpdateManifest(req.Version(), 30*time.Second)); err != nil {
//	    return err
//	}
//	dl := pkg.DownloadAssets("Assets/UI/Login.prefab")
//	err = sys.Run(ctx, dl.Handle)
//
// Hosts with their own frame loop call [System.Update] once per frame instead
// of [System.Run] and poll handles for completion.
//
// # Remote layout
//
// A package named "game" at host URL H is served as:
//   - H/game.version: the current version string
//   - H/game_<version>.json: the manifest (JSON, optionally zstd-compressed)
//   - H/<bundle file name>: one file per bundle, named by the manifest's name style
package bundle
