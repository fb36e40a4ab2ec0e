package api

import (
	"errors"
	"net/http"

	"github.com/vdilab/vdilab/internal/automation"
	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/lifecycle"
)

const errorCodeVersion = "v1"

const (
	// Auth domain
	errorCodeAuthMissingBearerToken = errorCodeVersion + "/auth/missing_bearer_token"
	errorCodeAuthInvalidBearerToken = errorCodeVersion + "/auth/invalid_bearer_token"
	errorCodeAuthRemoteAddress      = errorCodeVersion + "/auth/remote_address_denied"
	errorCodeAuthUnauthorized       = errorCodeVersion + "/auth/unauthorized"
	errorCodeAuthForbidden          = errorCodeVersion + "/auth/forbidden"
	errorCodeAuthPermissionDenied   = errorCodeVersion + "/auth/permission_denied"

	// Validation domain
	errorCodeValidationBadRequest    = errorCodeVersion + "/validation/bad_request"
	errorCodeValidationMalformedJSON = errorCodeVersion + "/validation/malformed_json"
	errorCodeValidationInvalidValue  = errorCodeVersion + "/validation/invalid_value"

	// Session domain
	errorCodeSessionNotFound        = errorCodeVersion + "/session/not_found"
	errorCodeSessionStateConflict   = errorCodeVersion + "/session/state_conflict"
	errorCodeSessionPreempted       = errorCodeVersion + "/session/preempted"
	errorCodeSessionWriteConflict   = errorCodeVersion + "/session/write_conflict"
	errorCodeProvisioningTimeout    = errorCodeVersion + "/provisioning/timeout"
	errorCodeProvisioningEntryGone  = errorCodeVersion + "/provisioning/entry_unavailable"
	errorCodeDirectoryUnavailable   = errorCodeVersion + "/directory/unavailable"
	errorCodeDirectoryAuthFailed    = errorCodeVersion + "/directory/authentication_failed"
	errorCodeIdleStatusNotAvailable = errorCodeVersion + "/idle/not_tracked"

	// Generic fallbacks
	errorCodeResourceNotFound = errorCodeVersion + "/resource/not_found"
	errorCodeConflict         = errorCodeVersion + "/resource/conflict"
	errorCodeInternalError    = errorCodeVersion + "/internal/error"
	errorCodeServerError      = errorCodeVersion + "/internal/server_error"
	errorCodeUnavailable      = errorCodeVersion + "/internal/unavailable"
	errorCodeRateLimited      = errorCodeVersion + "/internal/rate_limited"
)

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	var validation *directory.ValidationError
	var transient *directory.TransientDirectoryError
	var dirAuth *directory.AuthenticationError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidSessionSpec):
		return http.StatusBadRequest, errorCodeValidationInvalidValue
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorCodeValidationInvalidValue
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		return http.StatusForbidden, errorCodeAuthPermissionDenied
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		return http.StatusNotFound, errorCodeSessionNotFound
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, errorCodeResourceNotFound
	case errors.Is(err, lifecycle.ErrInvalidStateTransition):
		return http.StatusConflict, errorCodeSessionStateConflict
	case errors.Is(err, lifecycle.ErrOperationPreempted):
		return http.StatusConflict, errorCodeSessionPreempted
	case errors.Is(err, db.ErrVersionConflict):
		return http.StatusConflict, errorCodeSessionWriteConflict
	case errors.Is(err, automation.ErrEntryUnavailable):
		return http.StatusNotFound, errorCodeProvisioningEntryGone
	case errors.Is(err, lifecycle.ErrProvisioningTimeout):
		return http.StatusGatewayTimeout, errorCodeProvisioningTimeout
	case errors.As(err, &dirAuth):
		return http.StatusBadGateway, errorCodeDirectoryAuthFailed
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable, errorCodeDirectoryUnavailable
	}
	return http.StatusInternalServerError, errorCodeServerError
}

func errorCodeByStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return errorCodeAuthUnauthorized
	case http.StatusForbidden:
		return errorCodeAuthForbidden
	case http.StatusBadRequest:
		return errorCodeValidationBadRequest
	case http.StatusNotFound:
		return errorCodeResourceNotFound
	case http.StatusConflict:
		return errorCodeConflict
	case http.StatusTooManyRequests:
		return errorCodeRateLimited
	case http.StatusInternalServerError:
		return errorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return errorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return errorCodeServerError
		}
	}
	return errorCodeInternalError
}
