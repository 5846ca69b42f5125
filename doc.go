// Package convoy is the root of a batch fleet toolkit: the convoy CLI
// raises and retires worker VMs, convoy-worker drains container tasks
// from a shared queue on each one, and an object store carries data
// between tasks instead of a shared filesystem.
package convoy
