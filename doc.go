// Package firepit implements a columnar, SQL-backed store for STIX 2.0
// Cyber Observable data (spec §1–§2): a shredder normalizes nested
// observation bundles into wide per-type tables, a pattern compiler lowers
// STIX Patterning expressions into parameterized SQL, and a named-view
// algebra (extract/filter/assign/join/merge/reassign) lets callers build
// derived result sets without leaving the database.
//
// GetStorage is the sole entrypoint. Every other operation hangs off the
// *Store it returns.
package firepit
