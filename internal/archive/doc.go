// Package archive turns a cached blob into an extracted corpus: the blob is
// decompressed once into a sibling file (the terminal compression suffix
// stripped), then the resulting tar is extracted into the cache root. Member
// names are read from the tar headers and every one of them is checked to stay
// inside the root before anything is written.
package archive
