// Package propagator uploads batches of changed local files to the server
// and reconciles journal state with the per-file results. The entry point is
// NewBulkPropagatorJob; the Propagator struct carries the collaborators and
// the run-wide mutable state every job shares.
package propagator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/dmitrijs2005/bulksync/internal/transport"
	"github.com/dmitrijs2005/bulksync/internal/vfs"
)

// DefaultBatchSize is how many items one bulk PUT may carry.
const DefaultBatchSize = 100

// DefaultMinFileAgeForUpload is how recently a file may have been modified
// and still be uploaded. Files younger than this are assumed to still be
// changing and are deferred to the next sync.
const DefaultMinFileAgeForUpload = 2 * time.Second

// Propagator owns the state shared by all jobs of one sync run: the quota
// expectations, the abort flag, the journal and the outward signals.
// All fields are set up before the run starts; the maps and flags are only
// touched from the goroutine driving the run.
type Propagator struct {
	// LocalPath is the absolute root of the sync folder.
	LocalPath string
	// RemotePath is the remote folder prefix items are uploaded under.
	RemotePath string

	Account *transport.Account
	Journal journal.Journal
	FS      *filex.FileSystem
	Vfs     vfs.Vfs
	Log     logging.Logger

	BatchSize           int
	MinFileAgeForUpload time.Duration
	// ContentChecksumType is the checksum type stored in the journal.
	ContentChecksumType string
	// UploadChecksumEnabled controls whether a transmission checksum is
	// computed when the content checksum cannot be reused.
	UploadChecksumEnabled bool
	ChecksumWorkers       int
	// PollInterval overrides the poll job's default interval when positive.
	PollInterval time.Duration

	// FolderQuota maps a parent folder to the believed remaining quota in
	// bytes. Values only shrink during a run, except when a 507 reply
	// installs a fresh expectation.
	FolderQuota map[string]int64

	// AnotherSyncNeeded is raised whenever local files drift during the run.
	AnotherSyncNeeded bool

	// UpdateMetadata writes the item's new etag/file-id into the sync
	// database and may convert the file into a placeholder.
	UpdateMetadata func(item *models.SyncItem) (vfs.ConvertToPlaceholderResult, error)

	// HasCaseClashAccessibilityProblem reports whether another file exists
	// whose name differs only in case.
	HasCaseClashAccessibilityProblem func(path string) bool

	// BandwidthManager, when set, shapes the upload read streams.
	BandwidthManager transport.BandwidthManager

	// Outward signals. All are optional.
	OnItemCompleted             func(item *models.SyncItem)
	OnInsufficientRemoteStorage func()
	OnSeenLockedFile            func(path string)
	OnProgress                  func(sent, total int64)

	abortRequested atomic.Bool

	// nowFn is a test seam for the wall clock.
	nowFn func() time.Time
}

// New returns a propagator with the required collaborators and defaults.
// Optional fields (Vfs, quota map, signals) can be set before starting jobs.
func New(account *transport.Account, j journal.Journal, fs *filex.FileSystem, log logging.Logger) *Propagator {
	return &Propagator{
		Account:               account,
		Journal:               j,
		FS:                    fs,
		Vfs:                   vfs.Off{},
		Log:                   log,
		BatchSize:             DefaultBatchSize,
		MinFileAgeForUpload:   DefaultMinFileAgeForUpload,
		ContentChecksumType:   "MD5",
		UploadChecksumEnabled: true,
		ChecksumWorkers:       4,
		FolderQuota:           make(map[string]int64),
	}
}

// FullLocalPath returns the absolute on-disk path of a relative item path.
func (p *Propagator) FullLocalPath(rel string) string {
	return filepath.Join(p.LocalPath, filepath.FromSlash(rel))
}

// FullRemotePath returns the remote path of a relative item path.
func (p *Propagator) FullRemotePath(rel string) string {
	return path.Join("/", p.RemotePath, rel)
}

// Abort requests a global stop. In-flight work completes; its errors are
// downgraded to soft errors, and no new items are dispatched.
func (p *Propagator) Abort() {
	p.abortRequested.Store(true)
}

// AbortRequested reports whether a global abort is active.
func (p *Propagator) AbortRequested() bool {
	return p.abortRequested.Load()
}

func (p *Propagator) now() time.Time {
	if p.nowFn != nil {
		return p.nowFn()
	}
	return time.Now()
}

func (p *Propagator) hasCaseClash(rel string) bool {
	return p.HasCaseClashAccessibilityProblem != nil && p.HasCaseClashAccessibilityProblem(rel)
}

func (p *Propagator) emitItemCompleted(ctx context.Context, item *models.SyncItem) {
	p.Log.Info(ctx, "item completed",
		"file", item.Destination(), "status", item.Status.String(),
		"instruction", item.Instruction.String(), "error", item.ErrorString)
	if p.OnItemCompleted != nil {
		p.OnItemCompleted(item)
	}
}

func (p *Propagator) emitInsufficientRemoteStorage() {
	if p.OnInsufficientRemoteStorage != nil {
		p.OnInsufficientRemoteStorage()
	}
}

func (p *Propagator) emitSeenLockedFile(path string) {
	if p.OnSeenLockedFile != nil {
		p.OnSeenLockedFile(path)
	}
}

// updateErrorBlacklist records a failed item in the error blacklist so the
// discovery phase can back off on paths that keep failing. Entries escalate
// their ignore duration on each failure and are wiped once the failure class
// no longer warrants blacklisting.
func (p *Propagator) updateErrorBlacklist(ctx context.Context, item *models.SyncItem) {
	old, err := p.Journal.ErrorBlacklistEntry(ctx, item.File)
	if err != nil {
		p.Log.Warn(ctx, "could not read blacklist entry", "file", item.File, "err", err)
		return
	}

	mayBlacklist := item.Status == models.NormalError ||
		item.Status == models.DetailError ||
		item.Status == models.FatalError

	if !mayBlacklist {
		// Soft errors retry on the next sync without a suppression window;
		// a stale entry would keep the path suppressed, so drop it.
		if old.IsValid() {
			_ = p.Journal.WipeErrorBlacklistEntry(ctx, item.File)
			_ = p.Journal.Commit(ctx, "blacklist wipe")
		}
		return
	}

	entry := journal.BlacklistEntry{
		File:           item.File,
		ErrorString:    item.ErrorString,
		RetryCount:     old.RetryCount + 1,
		LastTryModtime: item.Modtime,
		LastTryEtag:    item.Etag,
		LastTryTime:    p.now().Unix(),
		IgnoreDuration: nextIgnoreDuration(old.IgnoreDuration),
	}
	if err := p.Journal.SetErrorBlacklistEntry(ctx, entry); err != nil {
		p.Log.Warn(ctx, "could not write blacklist entry", "file", item.File, "err", err)
		return
	}
	_ = p.Journal.Commit(ctx, "blacklist")
	p.Log.Info(ctx, "blacklisting failing item",
		"file", item.File, "retries", entry.RetryCount, "ignore_s", entry.IgnoreDuration)
}

// Blacklist suppression windows in seconds: escalate fivefold per failure,
// bounded to one day.
const (
	minBlacklistDuration = int64(25)
	maxBlacklistDuration = int64(24 * 60 * 60)
)

func nextIgnoreDuration(old int64) int64 {
	next := old * 5
	if next < minBlacklistDuration {
		next = minBlacklistDuration
	}
	if next > maxBlacklistDuration {
		next = maxBlacklistDuration
	}
	return next
}

// octetsToString renders a byte count the way users expect in error strings.
func octetsToString(n int64) string {
	const (
		kb = int64(1000)
		mb = kb * 1000
		gb = mb * 1000
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
