package propagator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/transport"
	"github.com/dmitrijs2005/bulksync/internal/vfs"
)

// parseEtag strips the quotes the server puts around etags.
func parseEtag(etag string) string {
	return strings.Trim(etag, `"`)
}

// handleReply reconciles one item against its per-file reply after a
// successful request: poll deferral on 202, etag/file-id adoption and the
// post-upload drift checks.
func (j *BulkPropagatorJob) handleReply(ctx context.Context, pu *preparedUpload, reply transport.FileReply, httpStatus int) {
	item := pu.item

	// The server needs time to process the upload and gives us a poll URL.
	if httpStatus == 202 {
		if reply.JobStatusLocation == "" {
			j.done(ctx, item, models.NormalError, "Poll URL missing")
			return
		}
		j.startPoll(ctx, pu, reply.JobStatusLocation)
		return
	}

	etag := parseEtag(reply.OCEtag)
	if etag == "" {
		etag = parseEtag(reply.Etag)
	} else if reply.Etag != "" && parseEtag(reply.Etag) != etag {
		j.p.Log.Debug(ctx, "OC-ETag and ETag differ", "file", item.File, "oc_etag", etag, "etag", reply.Etag)
	}

	// If the etag is present the upload is registered on the server; local
	// drift then only warrants a resync, not a failure.
	finished := etag != ""

	fullFilePath := j.p.FullLocalPath(item.File)
	if !j.p.FS.FileExists(fullFilePath) {
		if !finished {
			j.abortWithError(ctx, item, models.SoftError, "The local file was removed during sync.")
			return
		}
		j.p.AnotherSyncNeeded = true
	}

	if !j.p.FS.VerifyFileUnchanged(fullFilePath, item.Size, item.Modtime) {
		j.p.AnotherSyncNeeded = true
		if !finished {
			j.abortWithError(ctx, item, models.SoftError, "Local file changed during sync.")
			return
		}
	}

	// The file id should only be empty for files new on the server.
	if reply.OCFileID != "" {
		if item.FileID != "" && item.FileID != reply.OCFileID {
			j.p.Log.Warn(ctx, "file id changed", "file", item.File, "old", item.FileID, "new", reply.OCFileID)
		}
		item.FileID = reply.OCFileID
	}

	item.Etag = etag

	if reply.MtimeAck != "accepted" {
		// X-OC-MTime has been supported for a long time; a missing ack means
		// the server did not preserve the modification time.
		j.p.Log.Warn(ctx, "server does not support X-OC-MTime", "file", item.File, "ack", reply.MtimeAck)
	}

	j.finalizeItem(ctx, pu)
}

// finalizeItem completes a reconciled upload: journal metadata, pin state,
// quota accounting and journal cleanup, then the Success status. Poll
// completions re-enter here.
func (j *BulkPropagatorJob) finalizeItem(ctx context.Context, pu *preparedUpload) {
	item := pu.item

	if j.p.UpdateMetadata != nil {
		result, err := j.p.UpdateMetadata(item)
		if err != nil {
			j.done(ctx, item, models.FatalError, fmt.Sprintf("Error updating metadata: %s", err))
			return
		}
		if result == vfs.ConvertLocked {
			j.done(ctx, item, models.SoftError, fmt.Sprintf("The file %s is currently in use", item.File))
			return
		}
	}

	// Files new on the remote shouldn't keep an online-only pin state even
	// if their parent folder is online-only.
	if item.Instruction == models.InstructionNew || item.Instruction == models.InstructionTypeChange {
		if pin, ok := j.p.Vfs.PinState(item.File); ok && pin == vfs.PinStateOnlineOnly {
			if !j.p.Vfs.SetPinState(item.File, vfs.PinStateUnspecified) {
				j.p.Log.Warn(ctx, "could not set pin state to unspecified", "file", item.File)
			}
		}
	}

	// Update the quota expectation, if one is known.
	if quota, ok := j.p.FolderQuota[item.ParentDir()]; ok {
		j.p.FolderQuota[item.ParentDir()] = quota - pu.fileInfo.Size
	}

	// Remove from the progress database.
	if err := j.p.Journal.SetUploadInfo(ctx, item.File, journal.UploadInfo{}); err != nil {
		j.done(ctx, item, models.FatalError, fmt.Sprintf("Error updating metadata: %s", err))
		return
	}
	if err := j.p.Journal.Commit(ctx, "upload file success"); err != nil {
		j.done(ctx, item, models.FatalError, fmt.Sprintf("Error updating metadata: %s", err))
		return
	}

	j.done(ctx, item, models.Success, "")
}
