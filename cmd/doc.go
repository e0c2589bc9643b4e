// Package cmd implements the hkv command line interface. All commands work on
// the regions of a local data directory and are meant for inspection,
// debugging and archiving.
//
// The package is organized into several subpackages:
//
//   - node: point operations and maintenance (put, get, del, flush, info)
//   - search: predicate queries (search, group-del)
//   - backup: archive commands (export, import)
//   - util: flags, configuration and the local node (internal use)
//
// See hkv -help for a list of all commands.
package cmd
