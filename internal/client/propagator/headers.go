package propagator

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
)

// adminRecallTag marks files that belong to an admin-triggered recall. The
// server stores them in an admin stage area instead of the user's files.
const adminRecallTag = ".sys.admin#recall#"

// headers builds the per-part header map for one item. X-File-MD5 and
// X-File-Path are filled in by the caller.
func (j *BulkPropagatorJob) headers(ctx context.Context, item *models.SyncItem) map[string]string {
	h := map[string]string{
		"Content-Type": "application/octet-stream",
		"X-File-Mtime": strconv.FormatInt(item.Modtime, 10),
	}

	if v, err := strconv.Atoi(os.Getenv("OWNCLOUD_LAZYOPS")); err == nil && v != 0 {
		h["OC-LazyOps"] = "true"
	}

	if strings.Contains(item.File, adminRecallTag) {
		h["OC-Tag"] = adminRecallTag
	}

	// On new files never send an If-Match. The quotes match what the server
	// puts around every etag.
	if item.Etag != "" && item.Etag != models.EmptyEtag &&
		item.Instruction != models.InstructionNew &&
		item.Instruction != models.InstructionTypeChange {
		h["If-Match"] = `"` + item.Etag + `"`
	}

	// A conflict upload points the server at the base version it derives from.
	record, err := j.p.Journal.ConflictRecord(ctx, item.File)
	if err != nil {
		j.p.Log.Warn(ctx, "could not read conflict record", "file", item.File, "err", err)
	} else if record.IsValid() {
		h["OC-Conflict"] = "1"
		if record.InitialBasePath != "" {
			h["OC-ConflictInitialBasePath"] = record.InitialBasePath
		}
		if record.BaseFileID != "" {
			h["OC-ConflictBaseFileId"] = record.BaseFileID
		}
		if record.BaseModtime != -1 {
			h["OC-ConflictBaseMtime"] = strconv.FormatInt(record.BaseModtime, 10)
		}
		if record.BaseEtag != "" {
			h["OC-ConflictBaseEtag"] = record.BaseEtag
		}
	}

	return h
}
