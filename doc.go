// Package compilercache provides the shared types for a persistent,
// disk-backed compilation-artifact cache.
//
// The cache maps a content fingerprint (compilation unit bytes plus compiler
// configuration) to a compressed artifact stored in a single shared
// directory. Arbitrarily many independent processes may use the same
// directory concurrently; coordination happens entirely through the
// filesystem via atomic renames and timestamp-based lock files. See the
// cache package for the public front end.
package compilercache
