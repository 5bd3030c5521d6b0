// Package vfs abstracts the virtual-file (placeholder) backend. The sync
// core only needs pin-state queries and the outcome of converting a real
// file into a placeholder after upload.
package vfs

// PinState describes where a file's content lives.
type PinState int

const (
	PinStateInherited PinState = iota
	PinStateAlwaysLocal
	// PinStateOnlineOnly means the content is stored remotely only.
	PinStateOnlineOnly
	PinStateUnspecified
)

func (p PinState) String() string {
	switch p {
	case PinStateAlwaysLocal:
		return "AlwaysLocal"
	case PinStateOnlineOnly:
		return "OnlineOnly"
	case PinStateUnspecified:
		return "Unspecified"
	default:
		return "Inherited"
	}
}

// ConvertToPlaceholderResult is the outcome of the metadata update that may
// convert a file into a placeholder.
type ConvertToPlaceholderResult int

const (
	ConvertOK ConvertToPlaceholderResult = iota
	// ConvertLocked means the file is currently in use and the conversion
	// must be retried on a later sync.
	ConvertLocked
)

// Vfs is the placeholder backend interface consumed by the propagator.
type Vfs interface {
	// PinState returns the pin state of path; ok is false when the backend
	// has no record for it.
	PinState(path string) (state PinState, ok bool)

	// SetPinState updates the pin state, reporting success.
	SetPinState(path string, state PinState) bool
}

// Off is the backend used when virtual files are disabled.
type Off struct{}

func (Off) PinState(string) (PinState, bool)  { return PinStateInherited, false }
func (Off) SetPinState(string, PinState) bool { return true }
