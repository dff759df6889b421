// Package hydrate watches a project's local file root and sets a "dirty"
// flag when its contents change. The Exporter marks the flag clean after a
// successful include_files copy; nothing in this module reads the flag, and
// there is no cached file listing behind it.
//
// Adapted from the daemon's own JSONL file watcher (cmd/bd/daemon_watcher.go):
// same fsnotify-with-polling-fallback shape, generalized from watching one
// file to watching a directory tree, and the debounce collapsed to a single
// "dirty" flag rather than a triggered callback (it records only whether
// anything changed, not which file).
package hydrate
