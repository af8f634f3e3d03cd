// Package phoenix is the core of a centralized file synchronizer.
//
// One server holds the authoritative copy of a directory tree.
// Clients watch their local copy of the tree
// and exchange changes with the server over an encrypted,
// mutually authenticated session.
//
// Files are split into content-defined chunks
// (see the chunker subpackage),
// each identified by its BLAKE3 hash.
// A file revision is described by a Manifest:
// the ordered list of its chunk references plus a revision number.
// Because chunk boundaries depend on content rather than on offsets,
// a small edit to a large file changes only a few chunks,
// and only those need to cross the wire.
//
// Chunks live in a ChunkStore,
// keyed by hash and reference-counted so that unused ones can be collected.
// Manifests live in a ManifestStore,
// where every write is a compare-and-swap on the path's current revision.
// That check is the only concurrency control between writers:
// when two clients race to update the same file,
// exactly one wins and the other retries against the new revision.
//
// The protocol subpackage implements the message-level exchange,
// the reconcile subpackage drives it from filesystem events on a client,
// and the server subpackage is the authoritative end.
package phoenix
