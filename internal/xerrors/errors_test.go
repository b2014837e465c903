package xerrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeNotFound, "test message", http.StatusNotFound),
			want: "[RES_4001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[SVC_5001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "topic").WithDetails("reason", "empty")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "topic" {
		t.Errorf("Details[field] = %v, want topic", err.Details["field"])
	}

	if err.Details["reason"] != "empty" {
		t.Errorf("Details[reason] = %v, want empty", err.Details["reason"])
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("variables", "invalid JSON")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}

	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}

	if err.Details["field"] != "variables" {
		t.Errorf("Details[field] = %v, want variables", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("processInstanceId")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}

	if err.Details["parameter"] != "processInstanceId" {
		t.Errorf("Details[parameter] = %v, want processInstanceId", err.Details["parameter"])
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("task", "123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}

	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}

	if err.Details["resource"] != "task" {
		t.Errorf("Details[resource] = %v, want task", err.Details["resource"])
	}

	if err.Details["id"] != "123" {
		t.Errorf("Details[id] = %v, want 123", err.Details["id"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("downstream-task", "42")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("unexpected nil pointer")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestEngineError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := EngineError("fetchAndLock", underlying)

	if err.Code != ErrCodeEngineError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeEngineError)
	}

	if err.Details["operation"] != "fetchAndLock" {
		t.Errorf("Details[operation] = %v, want fetchAndLock", err.Details["operation"])
	}
}

func TestDownstreamError(t *testing.T) {
	underlying := errors.New("502 bad gateway")
	err := DownstreamError("task.add", underlying)

	if err.Code != ErrCodeDownstreamError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDownstreamError)
	}

	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded(2, "1s")

	if err.Code != ErrCodeRateLimitExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRateLimitExceeded)
	}

	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}

	if err.Details["limit"] != 2 {
		t.Errorf("Details[limit] = %v, want 2", err.Details["limit"])
	}
}

func TestPublishFailed(t *testing.T) {
	underlying := errors.New("channel closed")
	err := PublishFailed("exchanger.tasks.review-task", underlying)

	if err.Code != ErrCodePublishFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePublishFailed)
	}

	if err.Details["queue"] != "exchanger.tasks.review-task" {
		t.Errorf("Details[queue] = %v, want exchanger.tasks.review-task", err.Details["queue"])
	}
}

func TestConsumeFailed(t *testing.T) {
	underlying := errors.New("delivery nacked")
	err := ConsumeFailed("exchanger.responses", underlying)

	if err.Code != ErrCodeConsumeFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConsumeFailed)
	}
}

func TestBrokerUnavailable(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := BrokerUnavailable(underlying)

	if err.Code != ErrCodeBrokerUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBrokerUnavailable)
	}

	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "service error",
			err:  New(ErrCodeInternal, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{
			name: "service error",
			err:  serviceErr,
			want: serviceErr,
		},
		{
			name: "standard error",
			err:  standardErr,
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "service error",
			err:  New(ErrCodeNotFound, "test", http.StatusNotFound),
			want: http.StatusNotFound,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutOfRange(t *testing.T) {
	err := OutOfRange("lockDuration", 1000, 3600000)

	if err.Code != ErrCodeOutOfRange {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeOutOfRange)
	}

	if err.Details["field"] != "lockDuration" {
		t.Errorf("Details[field] = %v, want lockDuration", err.Details["field"])
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("task already locked")

	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConflict)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("fetchAndLock")

	if err.Code != ErrCodeTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTimeout)
	}

	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
}
