// Package config loads the module host configuration from CUE.
//
// Sources (files or CUE package directories) are unified with each other and
// with an embedded #HostConfig schema that closes the configuration and
// supplies defaults, then decoded into HostConfig and checked with struct
// validation tags. Every problem is reported with its file position where
// CUE knows it.
//
// # Example
//
//	modules_dir: "plugins"
//
//	loaders: wasm: {
//	    enabled:            true
//	    memory_limit_pages: 512
//	}
//
//	transform: {
//	    renames: "legacy.api.": "api.v2."
//	    scripts: [{name: "stamp", path: "transforms/stamp.star"}]
//	}
//
//	policy: paths: ["policies"]
//
//	logging: level: "debug"
//
// Relative paths are resolved against the directory of the first source.
// Unknown fields are rejected.
package config
