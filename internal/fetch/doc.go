// Package fetch implements the cached streaming download: a single HTTP GET
// whose body is copied chunk by chunk into a fresh temp file under the cache
// root, then promoted to the blob path with an atomic rename. An existing blob
// short-circuits the whole transfer. Failures are never retried and leave the
// temp file in place for the operator to collect.
package fetch
