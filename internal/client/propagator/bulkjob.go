package propagator

import (
	"context"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/transport"
)

// batchEntry pairs an item with its working copy while a batch is being
// prepared.
type batchEntry struct {
	item     *models.SyncItem
	fileInfo models.UploadFileInfo
}

// preparedUpload is one item ready for transmission: headers built, journal
// primed, remote path resolved. It lives for the duration of one batch.
type preparedUpload struct {
	item       *models.SyncItem
	fileInfo   models.UploadFileInfo
	remotePath string
	localPath  string
	headers    map[string]string
}

// BulkPropagatorJob drains a queue of upload intents in batches. Each batch
// is prepared (preflight, checksums), sent in one multi-file PUT, and every
// item receives exactly one terminal status. The job's state is owned by the
// goroutine running Run; checksum workers and poll jobs hand their results
// back to it.
type BulkPropagatorJob struct {
	p     *Propagator
	items []*models.SyncItem

	finalStatus models.Status
	completed   map[*models.SyncItem]bool

	pollResults chan pollOutcome
	pollsActive int

	// test seam, invoked after checksums complete and before the batch is
	// validated against the filesystem again
	afterChecksumsHook func()
}

// NewBulkPropagatorJob creates a job over the given queue. The job takes
// ownership of the items.
func NewBulkPropagatorJob(p *Propagator, items []*models.SyncItem) *BulkPropagatorJob {
	queue := make([]*models.SyncItem, len(items))
	copy(queue, items)
	return &BulkPropagatorJob{
		p:           p,
		items:       queue,
		finalStatus: models.NoStatus,
		completed:   make(map[*models.SyncItem]bool, len(items)),
		pollResults: make(chan pollOutcome, len(items)),
	}
}

// Run processes the whole queue and blocks until every item, including those
// deferred to poll jobs, has a terminal status. The returned status is the
// batch aggregate: DetailError wins over NormalError, Success means every
// item succeeded.
func (j *BulkPropagatorJob) Run(ctx context.Context) models.Status {
	for len(j.items) > 0 && !j.p.AbortRequested() {
		n := j.p.BatchSize
		if n <= 0 {
			n = DefaultBatchSize
		}
		if n > len(j.items) {
			n = len(j.items)
		}
		batch := j.items[:n]
		j.items = j.items[n:]
		j.runBatch(ctx, batch)
	}

	// An abort leaves items in the queue; they must still report an outcome.
	for _, item := range j.items {
		j.done(ctx, item, models.SoftError, "Sync was aborted.")
	}
	j.items = nil

	j.waitForPolls(ctx)

	if j.finalStatus == models.NoStatus {
		j.finalStatus = models.Success
	}
	j.p.Log.Info(ctx, "bulk propagation finished", "status", j.finalStatus.String())
	return j.finalStatus
}

// runBatch takes one batch through preparation, transmission and
// reconciliation.
func (j *BulkPropagatorJob) runBatch(ctx context.Context, batch []*models.SyncItem) {
	// Preflight every item; survivors get their checksums computed.
	accepted := make([]*batchEntry, 0, len(batch))
	for _, item := range batch {
		if j.p.AbortRequested() {
			j.done(ctx, item, models.SoftError, "Sync was aborted.")
			continue
		}
		entry := &batchEntry{item: item, fileInfo: models.UploadFileInfo{
			File: item.File,
			Size: item.Size,
			Path: j.p.FullLocalPath(item.File),
		}}
		if !j.preflight(ctx, entry.item, &entry.fileInfo) {
			continue
		}
		accepted = append(accepted, entry)
	}

	// The batch must not be dispatched while a checksum job is outstanding:
	// computeBatchChecksums blocks until the last worker reports back.
	results := j.computeBatchChecksums(ctx, accepted)
	if j.afterChecksumsHook != nil {
		j.afterChecksumsHook()
	}

	prepared := make([]*preparedUpload, 0, len(accepted))
	for i, entry := range accepted {
		if j.p.AbortRequested() {
			if !j.completed[entry.item] {
				j.done(ctx, entry.item, models.SoftError, "Sync was aborted.")
			}
			continue
		}
		res := results[i]
		if res.err != nil {
			j.abortWithError(ctx, entry.item, models.SoftError, res.err.Error())
			continue
		}
		j.adoptChecksums(entry.item, res)
		if !j.validateAfterChecksum(ctx, entry.item, &entry.fileInfo) {
			continue
		}
		pu, ok := j.prepareForUpload(ctx, entry.item, entry.fileInfo, res.transmissionHeader)
		if !ok {
			continue
		}
		prepared = append(prepared, pu)
	}

	if j.p.AbortRequested() {
		for _, pu := range prepared {
			if !j.completed[pu.item] {
				j.done(ctx, pu.item, models.SoftError, "Sync was aborted.")
			}
		}
		return
	}
	if len(prepared) == 0 {
		return
	}

	j.dispatch(ctx, prepared)
}

// prepareForUpload primes the journal and builds the part headers; the read
// stream is opened later, in dispatch. Writing
// UploadInfo before the request lets the next run detect a transfer that
// died between the PUT and the reply (the checksum is compared during
// reconcile).
func (j *BulkPropagatorJob) prepareForUpload(ctx context.Context, item *models.SyncItem,
	fileInfo models.UploadFileInfo, transmissionHeader string) (*preparedUpload, bool) {

	existing, err := j.p.Journal.GetUploadInfo(ctx, item.File)
	if err != nil {
		j.done(ctx, item, models.FatalError, "Error reading journal: "+err.Error())
		return nil, false
	}

	info := journal.UploadInfo{
		Valid:           true,
		Chunk:           0,
		TransferID:      0, // not chunked
		Modtime:         item.Modtime,
		ErrorCount:      existing.ErrorCount,
		ContentChecksum: item.ChecksumHeader,
		Size:            item.Size,
	}
	if err := j.p.Journal.SetUploadInfo(ctx, item.File, info); err != nil {
		j.done(ctx, item, models.FatalError, "Error writing journal: "+err.Error())
		return nil, false
	}
	if err := j.p.Journal.Commit(ctx, "Upload info"); err != nil {
		j.done(ctx, item, models.FatalError, "Error committing journal: "+err.Error())
		return nil, false
	}

	headers := j.headers(ctx, item)
	if digest := transmissionDigest(transmissionHeader); digest != "" {
		headers["X-File-MD5"] = digest
	}
	remotePath := j.p.FullRemotePath(fileInfo.File)
	headers["X-File-Path"] = remotePath

	return &preparedUpload{
		item:       item,
		fileInfo:   fileInfo,
		remotePath: remotePath,
		localPath:  fileInfo.Path,
		headers:    headers,
	}, true
}

// dispatch opens the read streams, sends one multi-file PUT and demultiplexes
// the reply to the items.
func (j *BulkPropagatorJob) dispatch(ctx context.Context, prepared []*preparedUpload) {
	parts := make([]transport.UploadPart, 0, len(prepared))
	var total int64
	for _, pu := range prepared {
		device, err := j.p.FS.Open(pu.localPath)
		if err != nil {
			j.p.Log.Warn(ctx, "could not prepare upload device", "path", pu.localPath, "err", err)
			if j.p.FS.IsFileLocked(pu.localPath) {
				j.p.emitSeenLockedFile(pu.localPath)
			}
			for _, open := range parts {
				_ = open.Device.Close()
			}
			// Likely the user touching their files mid-sync: retry later.
			j.abortWithError(ctx, pu.item, models.SoftError, err.Error())
			for _, other := range prepared {
				if !j.completed[other.item] {
					j.done(ctx, other.item, models.SoftError, "Sync was aborted.")
				}
			}
			return
		}
		parts = append(parts, transport.UploadPart{
			Headers: pu.headers,
			Device:  device,
			Size:    pu.fileInfo.Size,
		})
		total += pu.fileInfo.Size
	}

	job := transport.NewPutMultiFileJob(j.p.Account, parts, j.p.Log)
	job.Timeout = transport.AdjustTimeout(j.p.Account.Client.Timeout, total)
	job.Bandwidth = j.p.BandwidthManager
	if j.p.OnProgress != nil {
		job.OnProgress = j.p.OnProgress
	}

	reply, err := job.Run(ctx)

	now := j.p.now()
	for _, pu := range prepared {
		pu.item.RequestID = job.RequestID()
		pu.item.ResponseTimestamp = now
	}

	if err != nil {
		for _, pu := range prepared {
			j.commonErrorHandling(ctx, pu, 0, nil, err)
		}
		return
	}

	for _, pu := range prepared {
		pu.item.HTTPErrorCode = reply.StatusCode
		if reply.StatusCode >= 400 {
			j.commonErrorHandling(ctx, pu, reply.StatusCode, reply.Body, nil)
			continue
		}
		fileReply, ok := reply.Find(pu.remotePath)
		if !ok {
			j.done(ctx, pu.item, models.NormalError, "Missing reply from server")
			continue
		}
		j.handleReply(ctx, pu, fileReply, reply.StatusCode)
	}
}

// abortWithError stops the whole propagation and fails the item.
func (j *BulkPropagatorJob) abortWithError(ctx context.Context, item *models.SyncItem, status models.Status, errorString string) {
	j.p.Abort()
	j.done(ctx, item, status, errorString)
}

// done assigns the terminal status and runs the shared completion pipeline:
// restoration fix-up, abort collapse, blacklist bookkeeping, final-status
// aggregation and the itemCompleted signal. A second call for the same item
// is a no-op: terminal statuses never change.
func (j *BulkPropagatorJob) done(ctx context.Context, item *models.SyncItem, status models.Status, errorString string) {
	if j.completed[item] {
		j.p.Log.Warn(ctx, "duplicate terminal status suppressed",
			"file", item.File, "have", item.Status.String(), "new", status.String())
		return
	}
	j.completed[item] = true

	item.Status = status
	if item.IsRestoration {
		if status == models.Success || status == models.Conflict {
			item.Status = models.Restoration
		} else {
			item.ErrorString += "; Restoration Failed: " + errorString
		}
	} else if item.ErrorString == "" {
		item.ErrorString = errorString
	}

	if j.p.AbortRequested() && (item.Status == models.NormalError || item.Status == models.FatalError) {
		item.Status = models.SoftError
	}

	switch {
	case item.Status.IsErrorStatus():
		j.p.updateErrorBlacklist(ctx, item)
	case item.Status == models.Success || item.Status == models.Restoration:
		if item.HasBlacklistEntry {
			_ = j.p.Journal.WipeErrorBlacklistEntry(ctx, item.File)
			if item.OriginalFile != "" {
				_ = j.p.Journal.WipeErrorBlacklistEntry(ctx, item.OriginalFile)
			}
			_ = j.p.Journal.Commit(ctx, "blacklist wipe")
		}
	}

	if item.Status == models.FatalError {
		j.p.Abort()
	}

	switch item.Status {
	case models.NormalError, models.SoftError, models.FatalError, models.Conflict,
		models.FileIgnored, models.FileLocked, models.FileNameInvalid,
		models.NoStatus, models.BlacklistedError, models.Restoration:
		if j.finalStatus != models.DetailError {
			j.finalStatus = models.NormalError
		}
	case models.DetailError:
		j.finalStatus = models.DetailError
	case models.Success:
		// neutral
	}

	j.p.emitItemCompleted(ctx, item)
}
