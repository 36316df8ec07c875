package apperrors

type ErrorCode string

const (
	ErrorCodeInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrorCodeValidationError ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeDeviceNotFound  ErrorCode = "DEVICE_NOT_FOUND"
	ErrorCodeDeviceOffline   ErrorCode = "DEVICE_OFFLINE"
	ErrorCodeNotValidDevice  ErrorCode = "NOT_VALID_DEVICE"
	ErrorCodeDeviceTimeout   ErrorCode = "DEVICE_TIMEOUT"
	ErrorCodeDeviceRejected  ErrorCode = "DEVICE_REJECTED"
	ErrorCodeQueueMissing    ErrorCode = "QUEUE_NOT_LOADED"
	ErrorCodeQueueCorrupt    ErrorCode = "QUEUE_INVARIANT_VIOLATED"
	ErrorCodePinLoginFailed  ErrorCode = "PIN_LOGIN_FAILED"
)

// AppError is the base error type for HTTP responses.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
}

func (err *AppError) Error() string {
	return err.Message
}

func NewAppError(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorCodeValidationError, message, 400)
}

func NewNotFoundError(message string) *AppError {
	return NewAppError(ErrorCodeNotFound, message, 404)
}

// NewDeviceNotFound reports an unknown bridged renderer uuid.
func NewDeviceNotFound(uuid string) *AppError {
	return NewAppError(ErrorCodeDeviceNotFound, "device not found: "+uuid, 404)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorCodeInternalError, message, 500)
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return NewInternalError("Unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("Internal server error")
}
