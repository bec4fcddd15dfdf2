package hgfs

import (
	"strconv"
)

// Error is an HGFS status code. Status codes are sent by the host in every
// reply header; 0 means success and is never used as an Error.
//
// A few codes are local to the guest and never appear on the wire. They
// describe failures of the transport itself.
type Error uint32

// Status codes sent by the host.
const (
	ErrorNoSuchFile            = Error(1)  // File or directory does not exist
	ErrorInvalidHandle         = Error(2)  // Handle is not open on the host
	ErrorNotPermitted          = Error(3)  // Operation not permitted
	ErrorFileExists            = Error(4)  // File already exists
	ErrorNotDirectory          = Error(5)  // Path is not a directory
	ErrorNotEmpty              = Error(6)  // Directory is not empty
	ErrorProtocol              = Error(7)  // Malformed request or reply
	ErrorAccessDenied          = Error(8)  // Access denied
	ErrorInvalidName           = Error(9)  // Name can't be represented on the host
	ErrorGeneric               = Error(10) // Unclassified host failure
	ErrorSharingViolation      = Error(11) // File is locked by another user
	ErrorNoSpace               = Error(12) // Out of disk space
	ErrorOperationNotSupported = Error(13) // Operation not supported
	ErrorNameTooLong           = Error(14) // Name exceeds the maximum length
	ErrorInvalidParameter      = Error(15) // Invalid argument
	ErrorNotSameDevice         = Error(16) // Cross-device operation
	ErrorStaleSession          = Error(17) // Session no longer valid
	ErrorTooManySessions       = Error(18) // Host refused a new session
	ErrorTransport             = Error(19) // Transport failed while handling request
)

// Status codes local to the guest.
const (
	ErrorInterrupted = Error(0x1000 + iota) // Wait for a reply was interrupted
	ErrorNoMemory                           // No request object or buffer available
	ErrorBusy                               // Resource still in use
)

// Error description table
var errorDescriptions = map[Error]string{
	ErrorNoSuchFile:            "no such file or directory",
	ErrorInvalidHandle:         "invalid handle",
	ErrorNotPermitted:          "operation not permitted",
	ErrorFileExists:            "file exists",
	ErrorNotDirectory:          "not a directory",
	ErrorNotEmpty:              "directory not empty",
	ErrorProtocol:              "protocol error",
	ErrorAccessDenied:          "permission denied",
	ErrorInvalidName:           "invalid name",
	ErrorGeneric:               "generic host error",
	ErrorSharingViolation:      "sharing violation",
	ErrorNoSpace:               "no space left on device",
	ErrorOperationNotSupported: "operation not supported",
	ErrorNameTooLong:           "file name too long",
	ErrorInvalidParameter:      "invalid argument",
	ErrorNotSameDevice:         "invalid cross-device link",
	ErrorStaleSession:          "stale session",
	ErrorTooManySessions:       "too many sessions",
	ErrorTransport:             "transport error",

	ErrorInterrupted: "interrupted",
	ErrorNoMemory:    "cannot allocate memory",
	ErrorBusy:        "resource busy",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "HGFS status " + strconv.Itoa(int(e))
}

// Local returns true if e is never sent by the host.
func (e Error) Local() bool { return e >= 0x1000 }

