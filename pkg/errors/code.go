package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Sandbox engine errors
// 21000-21999: Analysis pipeline errors
// 22000-22999: Auth & Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Object storage errors (10100-10199)
	StorageError   ErrorCode = 10100
	ObjectNotFound ErrorCode = 10101
	ObjectTooLarge ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// Messaging errors (10400-10499)
	PublishFailed   ErrorCode = 10400
	SubscribeFailed ErrorCode = 10401

	// ========== Sandbox Engine Errors (20000-20999) ==========

	// Manager (20000-20099)
	ManagerNotInitialized ErrorCode = 20000
	InstanceNotFound      ErrorCode = 20001
	InstanceLimitReached  ErrorCode = 20002
	InvalidPolicy         ErrorCode = 20003

	// Execution preconditions (20100-20199)
	CodeEmpty          ErrorCode = 20100
	CodeTooLarge       ErrorCode = 20101
	InstanceTerminated ErrorCode = 20102
	InstancePaused     ErrorCode = 20103

	// Snapshot (20200-20299)
	SnapshotMismatch  ErrorCode = 20200
	SnapshotCorrupted ErrorCode = 20201

	// Runtime host faults (20300-20399)
	RuntimeFailure ErrorCode = 20300

	// ========== Analysis Pipeline Errors (21000-21999) ==========

	// Task intake (21000-21099)
	AnalysisNotFound  ErrorCode = 21000
	AnalysisQueueFull ErrorCode = 21001
	InvalidTask       ErrorCode = 21002
	PresetUnknown     ErrorCode = 21003

	// Sample handling (21100-21199)
	SampleFetchFailed ErrorCode = 21100
	SampleTooLarge    ErrorCode = 21101

	// Reporting (21200-21299)
	ReportPublishFailed ErrorCode = 21200

	// ========== Auth & Permission Errors (22000-22999) ==========

	// Tokens (22000-22099)
	TokenInvalid ErrorCode = 22000
	TokenExpired ErrorCode = 22001

	// Permission (22100-22199)
	PermissionDenied ErrorCode = 22100
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Object storage
	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found in storage",
	ObjectTooLarge: "Object exceeds the allowed size",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Messaging
	PublishFailed:   "Failed to publish message",
	SubscribeFailed: "Failed to subscribe to topic",

	// Sandbox - Manager
	ManagerNotInitialized: "Sandbox manager is not initialized",
	InstanceNotFound:      "Sandbox instance not found",
	InstanceLimitReached:  "Sandbox instance limit reached",
	InvalidPolicy:         "Invalid execution policy",

	// Sandbox - Execution preconditions
	CodeEmpty:          "Code buffer is empty",
	CodeTooLarge:       "Code buffer exceeds the maximum size",
	InstanceTerminated: "Sandbox instance has been terminated",
	InstancePaused:     "Sandbox instance is paused",

	// Sandbox - Snapshot
	SnapshotMismatch:  "Snapshot does not belong to this instance",
	SnapshotCorrupted: "Snapshot data is corrupted",

	// Sandbox - Runtime
	RuntimeFailure: "Sandbox runtime failure",

	// Analysis - Task intake
	AnalysisNotFound:  "Analysis not found",
	AnalysisQueueFull: "Analysis queue is full, please try again later",
	InvalidTask:       "Invalid analysis task",
	PresetUnknown:     "Unknown policy preset",

	// Analysis - Sample handling
	SampleFetchFailed: "Failed to fetch sample from storage",
	SampleTooLarge:    "Sample exceeds the maximum size",

	// Analysis - Reporting
	ReportPublishFailed: "Failed to publish analysis report",

	// Auth
	TokenInvalid:     "Invalid token",
	TokenExpired:     "Token has expired",
	PermissionDenied: "Permission denied",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenInvalid, c == TokenExpired:
		return 401
	case c == Forbidden, c == PermissionDenied:
		return 403
	case c == NotFound, c == InstanceNotFound, c == AnalysisNotFound, c == ObjectNotFound:
		return 404
	case c == TooManyRequests, c == AnalysisQueueFull, c == InstanceLimitReached:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 20100 && c < 20300: // execution precondition and snapshot misuse
		return 400
	case c == InvalidPolicy, c == InvalidTask, c == PresetUnknown:
		return 400
	case c >= 10300 && c < 10400: // validation errors
		return 400
	case c == InvalidParams:
		return 400
	case c == SampleTooLarge, c == ObjectTooLarge:
		return 413
	default:
		return 500
	}
}
