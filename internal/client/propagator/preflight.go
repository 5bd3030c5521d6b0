package propagator

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
)

// preflight runs the checks that can reject an item before any checksum work
// is spent on it: case clashes, the quota expectation and the rename target.
// It reports whether the item may continue; rejected items already carry
// their terminal status.
func (j *BulkPropagatorJob) preflight(ctx context.Context, item *models.SyncItem, fileInfo *models.UploadFileInfo) bool {
	if j.p.hasCaseClash(fileInfo.File) {
		j.done(ctx, item, models.NormalError,
			fmt.Sprintf("File %s cannot be uploaded because another file with the same name, differing only in case, exists", item.File))
		return false
	}

	// Check if we believe that the upload will fail due to remote quota limits.
	if quota, ok := j.p.FolderQuota[item.ParentDir()]; ok && fileInfo.Size > quota {
		item.HTTPErrorCode = 507
		j.p.emitInsufficientRemoteStorage()
		j.done(ctx, item, models.DetailError,
			fmt.Sprintf("Upload of %s exceeds the quota for the folder", octetsToString(fileInfo.Size)))
		return false
	}

	if item.RenameTarget != "" && item.RenameTarget != item.File {
		if err := j.p.FS.Rename(j.p.FullLocalPath(item.File), j.p.FullLocalPath(item.RenameTarget)); err != nil {
			j.done(ctx, item, models.NormalError,
				fmt.Sprintf("File %s contains trailing spaces and couldn't be renamed", item.File))
			return false
		}
		item.File = item.RenameTarget
		fileInfo.File = item.RenameTarget
		fileInfo.Path = j.p.FullLocalPath(item.RenameTarget)
		if modtime, err := j.p.FS.GetModTime(fileInfo.Path); err == nil {
			item.Modtime = modtime
		}
	}

	return true
}

// fileIsStillChanging reports whether the item's modification time is too
// close to now to trust the file's content. Future-dated modtimes are
// accepted: clock skew must not stall the upload forever.
//
// This interacts with the delay between change notification and sync in the
// folder manager: once that delay has passed, the file is accepted here.
func (j *BulkPropagatorJob) fileIsStillChanging(item *models.SyncItem) bool {
	sinceMod := j.p.now().Sub(time.Unix(item.Modtime, 0))
	return sinceMod >= 0 && sinceMod < j.p.MinFileAgeForUpload
}

// validateAfterChecksum re-checks the local file once the (possibly slow)
// checksum computation is over: the file must still exist, must not have
// changed since its modtime was recorded, and must not be too fresh.
func (j *BulkPropagatorJob) validateAfterChecksum(ctx context.Context, item *models.SyncItem, fileInfo *models.UploadFileInfo) bool {
	originalPath := j.p.FullLocalPath(item.File)

	if !j.p.FS.FileExists(fileInfo.Path) {
		j.done(ctx, item, models.SoftError,
			fmt.Sprintf("File Removed (start upload) %s", fileInfo.Path))
		return false
	}

	prevModtime := item.Modtime // recorded before hashing began
	modtime, err := j.p.FS.GetModTime(originalPath)
	if err != nil {
		j.done(ctx, item, models.SoftError, err.Error())
		return false
	}
	if modtime != prevModtime {
		j.p.AnotherSyncNeeded = true
		j.p.Log.Debug(ctx, "file changed during checksum", "file", item.File, "prev", prevModtime, "curr", modtime)
		j.done(ctx, item, models.SoftError, "Local file changed during syncing. It will be resumed.")
		return false
	}

	if size, err := j.p.FS.GetSize(fileInfo.Path); err == nil {
		fileInfo.Size = size
	}
	if size, err := j.p.FS.GetSize(originalPath); err == nil {
		item.Size = size
	}

	// Skip files whose mtime is too close to now: usually a file still being
	// written or not yet fully copied into place.
	if j.fileIsStillChanging(item) {
		j.p.AnotherSyncNeeded = true
		j.done(ctx, item, models.SoftError, "Local file changed during sync.")
		return false
	}

	return true
}
