package propagator

import (
	"context"

	"github.com/dmitrijs2005/bulksync/internal/checksums"
	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"golang.org/x/sync/errgroup"
)

// checksumResult is what one checksum worker hands back: the typed content
// checksum for the journal and the transmission checksum for the wire. A
// worker only computes values; all item state is applied on the goroutine
// that owns the batch.
type checksumResult struct {
	contentHeader      string
	transmissionHeader string
	err                error
}

// computeBatchChecksums records each item's pre-hash modtime, fans the hash
// work out to a bounded worker pool and blocks until every worker is done.
// Dispatching the batch before this returns would violate the "no request
// while a checksum job is outstanding" rule.
func (j *BulkPropagatorJob) computeBatchChecksums(ctx context.Context, entries []*batchEntry) []checksumResult {
	results := make([]checksumResult, len(entries))

	var g errgroup.Group
	workers := j.p.ChecksumWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, entry := range entries {
		// Remember the modtime before checksumming to detect a file change
		// during the calculation. After a successful rename in preflight,
		// item.File already names the renamed file.
		if modtime, err := j.p.FS.GetModTime(j.p.FullLocalPath(entry.item.File)); err == nil {
			entry.item.Modtime = modtime
		}

		path := entry.fileInfo.Path
		existingHeader := entry.item.ChecksumHeader
		g.Go(func() error {
			results[i] = j.computeItemChecksums(ctx, path, existingHeader)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// computeItemChecksums derives both checksums for one file:
//
//  1. the content checksum of the configured type, reusing one the discovery
//     phase may have stored already;
//  2. the transmission checksum, reusing the content checksum whenever the
//     server's capability list accepts its type, computing a separate one
//     (of the account's upload checksum type) otherwise. An empty
//     transmission checksum means "no server-side verification".
func (j *BulkPropagatorJob) computeItemChecksums(ctx context.Context, path string, existingHeader string) checksumResult {
	contentType := j.p.ContentChecksumType

	existingType, existingDigest := checksums.ParseHeader(existingHeader)
	contentDigest := existingDigest
	if existingType != contentType {
		digest, err := checksums.Compute(ctx, j.p.FS, path, contentType)
		if err != nil {
			return checksumResult{err: err}
		}
		contentDigest = digest
	}
	contentHeader := checksums.MakeHeader(contentType, contentDigest)

	// Reuse the content checksum as the transmission checksum if possible.
	if j.p.Account.Capabilities.SupportsChecksumType(contentType) {
		return checksumResult{contentHeader: contentHeader, transmissionHeader: contentHeader}
	}

	transmissionType := ""
	if j.p.UploadChecksumEnabled {
		transmissionType = j.p.Account.Capabilities.UploadChecksumType
	}
	if transmissionType == "" {
		return checksumResult{contentHeader: contentHeader}
	}
	digest, err := checksums.Compute(ctx, j.p.FS, path, transmissionType)
	if err != nil {
		return checksumResult{err: err}
	}
	return checksumResult{
		contentHeader:      contentHeader,
		transmissionHeader: checksums.MakeHeader(transmissionType, digest),
	}
}

// adoptChecksums writes the computed checksums back into the item. A content
// checksum that was empty going in adopts the transmission checksum.
func (j *BulkPropagatorJob) adoptChecksums(item *models.SyncItem, res checksumResult) {
	if res.contentHeader != "" {
		item.ChecksumHeader = res.contentHeader
	} else if item.ChecksumHeader == "" {
		item.ChecksumHeader = res.transmissionHeader
	}
}

// transmissionDigest extracts the bare hex digest sent in X-File-MD5.
func transmissionDigest(header string) string {
	if header == "" {
		return ""
	}
	if _, digest := checksums.ParseHeader(header); digest != "" {
		return digest
	}
	return header
}
