package propagator

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/transport"
)

// classifyError maps a transport error and HTTP status code onto the item
// status taxonomy. Transient conditions become SoftError so the next sync
// retries them; protocol-level failures become NormalError; authentication
// failures are fatal; quota exhaustion carries detail.
func classifyError(transportErr error, httpCode int) models.Status {
	if transportErr != nil {
		if errors.Is(transportErr, context.Canceled) || errors.Is(transportErr, context.DeadlineExceeded) {
			return models.SoftError
		}
		var netErr net.Error
		if errors.As(transportErr, &netErr) && netErr.Timeout() {
			return models.SoftError
		}
		return models.NormalError
	}

	switch httpCode {
	case 401:
		return models.FatalError
	case 412:
		// Precondition failed: etag or checksum mismatch, resolved by the
		// next sync after rediscovery.
		return models.SoftError
	case 423:
		return models.FileLocked
	case 502, 503, 504:
		return models.SoftError
	case 507:
		return models.DetailError
	}
	if httpCode >= 400 {
		return models.NormalError
	}
	return models.Success
}

// checkResettingErrors tracks errors that should eventually reset a
// repeatedly failing upload: each 412 (or capability-listed code) increments
// the journal's error count, and past three strikes the upload info is
// cleared so the transfer starts from scratch.
func (j *BulkPropagatorJob) checkResettingErrors(ctx context.Context, item *models.SyncItem) {
	if item.HTTPErrorCode != 412 && !j.p.Account.Capabilities.IsResettingErrorCode(item.HTTPErrorCode) {
		return
	}

	info, err := j.p.Journal.GetUploadInfo(ctx, item.File)
	if err != nil {
		j.p.Log.Warn(ctx, "could not read upload info", "file", item.File, "err", err)
		return
	}
	info.ErrorCount++
	if info.ErrorCount > 3 {
		j.p.Log.Info(ctx, "resetting transfer after repeated error",
			"file", item.File, "http_code", item.HTTPErrorCode)
		info = journal.UploadInfo{}
	} else {
		info.Valid = true
		j.p.Log.Info(ctx, "error count for maybe-reset error",
			"file", item.File, "http_code", item.HTTPErrorCode, "count", info.ErrorCount)
	}
	if err := j.p.Journal.SetUploadInfo(ctx, item.File, info); err != nil {
		j.p.Log.Warn(ctx, "could not write upload info", "file", item.File, "err", err)
		return
	}
	_ = j.p.Journal.Commit(ctx, "Upload info")
}

// commonErrorHandling folds a failed request into the per-item journal and
// status updates: discovery rescheduling on 412, error-count bookkeeping,
// status classification, the 507 quota expectation, and finally a
// synchronous batch abort carrying this item's failure.
func (j *BulkPropagatorJob) commonErrorHandling(ctx context.Context, pu *preparedUpload, httpCode int, body []byte, transportErr error) {
	item := pu.item
	item.HTTPErrorCode = httpCode

	errorString := transport.ParseErrorMessage(body)
	if errorString == "" && transportErr != nil {
		errorString = transportErr.Error()
	}
	if errorString == "" {
		errorString = fmt.Sprintf("Server replied with HTTP %d", httpCode)
	}

	if httpCode == 412 {
		// Maybe a bad etag is cached; clear the parent folder etag so the
		// next sync re-reads it from the server.
		if err := j.p.Journal.SchedulePathForRemoteDiscovery(ctx, item.File); err != nil {
			j.p.Log.Warn(ctx, "could not schedule remote discovery", "file", item.File, "err", err)
		}
		j.p.AnotherSyncNeeded = true
	}

	j.checkResettingErrors(ctx, item)

	status := classifyError(transportErr, httpCode)

	if httpCode == 507 {
		// Update the quota expectation for the parent folder; the size of
		// the file to upload is authoritative, filters may have changed it.
		dir := item.ParentDir()
		if quota, ok := j.p.FolderQuota[dir]; !ok || pu.fileInfo.Size-1 < quota {
			j.p.FolderQuota[dir] = pu.fileInfo.Size - 1
		}
		status = models.DetailError
		errorString = fmt.Sprintf("Upload of %s exceeds the quota for the folder", octetsToString(pu.fileInfo.Size))
		j.p.emitInsufficientRemoteStorage()
	}

	j.abortWithError(ctx, item, status, errorString)
}
