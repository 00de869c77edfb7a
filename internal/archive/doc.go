// Package archive holds the snapshot and extractor-result model, the
// collaborator interfaces (stores, publisher, queue, clock) and URL
// normalization. Other packages depend on these types rather than on each
// other.
package archive
