// Package models defines client-side data models used by the sync engine:
// the per-file upload descriptor, its terminal status taxonomy and the
// transient working copies used while a batch is being prepared.
package models

import (
	"path"
	"time"
)

// EmptyEtag is the placeholder the discovery phase stores for files that have
// never been seen by the server. It must never be sent in an If-Match header.
const EmptyEtag = "empty_etag"

// Instruction is the sync engine's intent for an item.
type Instruction int

const (
	InstructionNone Instruction = iota
	// InstructionNew creates a file that does not exist remotely yet.
	InstructionNew
	// InstructionTypeChange replaces a remote entry whose type changed
	// (e.g. a directory became a file).
	InstructionTypeChange
	// InstructionUpdate overwrites an existing remote file.
	InstructionUpdate
)

func (i Instruction) String() string {
	switch i {
	case InstructionNew:
		return "NEW"
	case InstructionTypeChange:
		return "TYPE_CHANGE"
	case InstructionUpdate:
		return "UPDATE"
	default:
		return "NONE"
	}
}

// SyncItem is one file's sync intent plus its outcome. The propagator owns
// items exclusively for the duration of a run.
type SyncItem struct {
	// File is the path relative to the sync folder root.
	File string
	// RenameTarget, when non-empty and different from File, is the path the
	// local file must be renamed to before upload (e.g. trailing-space fixes).
	RenameTarget string
	// FileID is the server-assigned opaque file id, empty for new files.
	FileID string
	// OriginalFile is the pre-move path for moved items, empty otherwise.
	OriginalFile string

	Size    int64
	Modtime int64 // seconds since epoch
	Etag    string
	// ChecksumHeader is the typed content checksum, e.g. "MD5:d41d8cd9...".
	ChecksumHeader string

	Instruction       Instruction
	IsRestoration     bool
	HasBlacklistEntry bool

	// Outcome, written by the propagator.
	Status            Status
	HTTPErrorCode     int
	ErrorString       string
	RequestID         string
	ResponseTimestamp time.Time
}

// Destination returns the effective path of the item after propagation.
func (i *SyncItem) Destination() string {
	if i.RenameTarget != "" {
		return i.RenameTarget
	}
	return i.File
}

// ParentDir returns the parent directory of the item's path, "." for the root.
func (i *SyncItem) ParentDir() string {
	return path.Dir(i.File)
}

// UploadFileInfo is a minified working copy of a SyncItem holding only what
// the upload itself needs. It exists so changes applied to the file being
// uploaded (renames) do not clobber the original item until they succeed.
type UploadFileInfo struct {
	// File is the effective relative path, post rename.
	File string
	// Path is the full path on disk.
	Path string
	Size int64
}
