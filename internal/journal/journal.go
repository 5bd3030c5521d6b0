// Package journal persists the sync client's bookkeeping between runs:
// in-flight upload state, poll URLs for asynchronous server work, conflict
// records and the error blacklist. The propagator consumes the Journal
// interface; the SQLite implementation lives alongside it.
package journal

import "context"

// UploadInfo records an upload in progress so an interrupted transfer can be
// reconciled on the next run. A zero UploadInfo (Valid=false) clears the row.
type UploadInfo struct {
	Valid      bool
	Chunk      int
	TransferID int64
	Modtime    int64
	ErrorCount int
	// ContentChecksum is the typed checksum header, e.g. "MD5:<hex>".
	ContentChecksum string
	Size            int64
}

// PollInfo records a server-side asynchronous job that must be polled until
// it finishes, so polling survives a client restart.
type PollInfo struct {
	File     string
	URL      string
	Modtime  int64
	FileSize int64
}

// ConflictRecord describes the base version a conflicted upload derives from.
// The zero value is invalid.
type ConflictRecord struct {
	Path            string
	InitialBasePath string
	BaseFileID      string
	BaseModtime     int64 // -1 when unknown
	BaseEtag        string
}

// IsValid reports whether the record refers to an actual conflict.
func (c ConflictRecord) IsValid() bool {
	return c.Path != ""
}

// BlacklistEntry suppresses repeated sync attempts on a path that keeps
// failing. Cleared on the first successful propagation of the path.
type BlacklistEntry struct {
	File           string
	ErrorString    string
	RetryCount     int
	LastTryModtime int64
	LastTryEtag    string
	LastTryTime    int64
	// IgnoreDuration is how long, in seconds, the path should be skipped.
	IgnoreDuration int64
}

// IsValid reports whether the entry refers to an actual blacklisted path.
func (e BlacklistEntry) IsValid() bool {
	return e.File != ""
}

// Journal is the typed key-value store the propagator relies on. Writes are
// buffered in a transaction until Commit; reads observe buffered writes.
type Journal interface {
	// SetUploadInfo stores upload progress for a path. Storing a zero
	// UploadInfo removes the row.
	SetUploadInfo(ctx context.Context, file string, info UploadInfo) error
	GetUploadInfo(ctx context.Context, file string) (UploadInfo, error)

	SetPollInfo(ctx context.Context, info PollInfo) error
	GetPollInfos(ctx context.Context) ([]PollInfo, error)
	DeletePollInfo(ctx context.Context, file string) error

	ConflictRecord(ctx context.Context, path string) (ConflictRecord, error)
	SetConflictRecord(ctx context.Context, record ConflictRecord) error

	ErrorBlacklistEntry(ctx context.Context, file string) (BlacklistEntry, error)
	SetErrorBlacklistEntry(ctx context.Context, entry BlacklistEntry) error
	WipeErrorBlacklistEntry(ctx context.Context, file string) error

	// SchedulePathForRemoteDiscovery invalidates the cached etag of the
	// path's parent folder so the next sync re-reads it from the server.
	SchedulePathForRemoteDiscovery(ctx context.Context, path string) error

	// Commit flushes buffered writes. The tag names the checkpoint in logs.
	Commit(ctx context.Context, tag string) error

	Close() error
}
