// Package cache defines the disk-backed fetch cache responsible for storing
// downloaded content items under StoragePath/blobs/<hh>/<hash>.cdp with a
// JSON metadata sidecar (size, sha1, fetch time, validator). The store exposes
// streaming write handles with safe semantics (temp file + rename, hash while
// writing, atomic sidecar) and enforces a byte capacity by evicting the least
// recently read entries. The download manager and serving gateway depend on
// this package to stream cached responses or trigger upstream fetches without
// duplicating filesystem logic.
package cache
