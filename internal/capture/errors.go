package capture

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies capture pipeline errors for logging and
// user-facing messages.
type ErrorCategory int

const (
	// ErrCategoryPermission indicates the OS denied screen or microphone
	// access.
	ErrCategoryPermission ErrorCategory = iota
	// ErrCategoryDevice indicates the display/device is missing or busy.
	ErrCategoryDevice
	// ErrCategoryNegotiation indicates a caps/format negotiation failure.
	ErrCategoryNegotiation
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

// String returns a human-readable category name.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a capture pipeline error.
//
// go-gst's GError does not expose Domain(), so classification relies on
// message heuristics. Permission problems are checked first because on
// macOS a missing screen-recording grant surfaces as a generic source
// failure whose debug string mentions authorization.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}

	combined := strings.ToLower(gerr.Error()) + " " + strings.ToLower(gerr.DebugString())

	for _, kw := range []string{"permission", "not authorized", "authorization", "denied", "privacy"} {
		if strings.Contains(combined, kw) {
			return ErrCategoryPermission
		}
	}
	for _, kw := range []string{"no such device", "device busy", "cannot open display", "could not open", "resource", "monitor"} {
		if strings.Contains(combined, kw) {
			return ErrCategoryDevice
		}
	}
	for _, kw := range []string{"not negotiated", "caps", "format", "negotiation", "missing plugin", "no element"} {
		if strings.Contains(combined, kw) {
			return ErrCategoryNegotiation
		}
	}
	return ErrCategoryUnknown
}
