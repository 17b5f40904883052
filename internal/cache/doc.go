// Package cache owns the on-disk layout of a dataset cache root:
//
//	<root>/<blob>          # downloaded archive, its presence is the cache hit
//	<root>/tmp/<token>     # in-flight download, promoted by rename
//	<root>/<members...>    # extracted corpus
//
// It is pure path algebra plus directory creation. Writers (the downloader and
// the extractor) depend on this package to mint temp paths, resolve blob
// locations and keep extracted members inside the root.
package cache
