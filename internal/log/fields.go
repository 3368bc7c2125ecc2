package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldMethod        = "method"
	FieldHost          = "host"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldErrorType     = "error_type"
	FieldOperation     = "operation"
	FieldReceiptID     = "receipt_id"
	FieldReceiptStatus = "receipt_status"
	FieldFileName      = "file_name"
	FieldFileSize      = "file_size"
	FieldFileKey       = "file_key"
	FieldAuthenticated = "authenticated"
	FieldSessionID     = "session_id"
	FieldBatchSize     = "batch_size"
)

// Components defines standard component names
const (
	ComponentApp      = "app"
	ComponentHTTP     = "http"
	ComponentIdentity = "identity"
	ComponentUpload   = "upload"
	ComponentQuota    = "quota"
	ComponentPoller   = "poller"
	ComponentNotify   = "notify"
	ComponentStorage  = "storage"
	ComponentAMQP     = "amqp"
	ComponentWorker   = "worker"
	ComponentSheets   = "sheets"
)

// Operations defines standard operation names
const (
	OpPresign  = "presign"
	OpPut      = "storage_put"
	OpConfirm  = "confirm"
	OpStatus   = "status"
	OpList     = "list"
	OpUsage    = "usage"
	OpValidate = "validate"
	OpExport   = "export"
	OpPublish  = "publish"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeNetwork    = "network_error"
	ErrorTypeHTTP       = "http_error"
	ErrorTypeQuota      = "quota_error"
	ErrorTypeParse      = "parse_error"
	ErrorTypeStorage    = "storage_error"
	ErrorTypeTimeout    = "timeout_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithFile adds the fields describing one upload candidate
func (f LogFields) WithFile(name string, size int64) LogFields {
	f[FieldFileName] = name
	f[FieldFileSize] = size
	return f
}

// WithReceipt adds receipt id and status
func (f LogFields) WithReceipt(id int64, status string) LogFields {
	f[FieldReceiptID] = id
	if status != "" {
		f[FieldReceiptStatus] = status
	}
	return f
}

// WithHTTPRequest adds outbound request fields
func (f LogFields) WithHTTPRequest(method, host, path string) LogFields {
	f[FieldMethod] = method
	f[FieldHost] = host
	f[FieldPath] = path
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
