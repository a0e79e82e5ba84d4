package errors

// JSON-RPC 2.0 standard error codes
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Transport and connection error codes
const (
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectionFailed  int = -32501 // Failed to establish connection
	CodeConnectionLost    int = -32502 // Connection lost during operation
	CodeConnectionTimeout int = -32503 // Connection timed out
	CodeNotConnected      int = -32504 // Operation requires an established connection
	CodePermanentFailure  int = -32505 // Consecutive-failure budget exhausted
)

// Validation error codes
const (
	CodeValidationError  int = -32750 // Generic validation error
	CodeInvalidURI       int = -32751 // Endpoint URI is not a well-formed absolute URL
	CodeMissingParameter int = -32752 // Required parameter missing
	CodeInvalidArgument  int = -32753 // Argument has invalid shape or value
)

// Tool error codes
const (
	CodeToolError    int = -32650 // Generic tool failure reported by the endpoint
	CodeToolNotFound int = -32651 // Tool is not advertised by the endpoint
)

// Operation error codes
const (
	CodeOperationTimeout   int = -32301 // Operation timed out
	CodeOperationCancelled int = -32302 // Operation was cancelled
	CodeCapabilityRequired int = -32401 // Endpoint does not advertise the required capability
)
