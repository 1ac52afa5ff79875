// Package errors provides structured error handling for cache components.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Serialization errors
	CodeMalformedPayload Code = "MALFORMED_PAYLOAD"

	// Sync errors
	CodeMalformedEvent Code = "MALFORMED_EVENT"

	// Storage errors
	CodeStorageNotConfigured Code = "STORAGE_NOT_CONFIGURED"
)

