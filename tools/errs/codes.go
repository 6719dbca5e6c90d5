package errs

const (
	ServerInternalError = 500

	PermissionDeniedError    = 1001
	LocationUnavailableError = 1002

	ConnectionError   = 1101
	NotConnectedError = 1102
	AckTimeoutError   = 1103

	StalePublishError        = 1201
	SubscriptionInvalidError = 1202
	BadFrameError            = 1203
	IdentityMismatchError    = 1204
	RateLimitedError         = 1205
	UnknownConnError         = 1206

	UnauthorizedError = 1301
)

var (
	ErrPermissionDenied    = NewCodeError(PermissionDeniedError, "location permission denied")
	ErrLocationUnavailable = NewCodeError(LocationUnavailableError, "location unavailable")

	ErrConnection   = NewCodeError(ConnectionError, "presence channel unavailable")
	ErrNotConnected = NewCodeError(NotConnectedError, "presence session not connected")
	ErrAckTimeout   = NewCodeError(AckTimeoutError, "publish not acknowledged")

	ErrStalePublish        = NewCodeError(StalePublishError, "stale publish rejected")
	ErrSubscriptionInvalid = NewCodeError(SubscriptionInvalidError, "subscription invalid")
	ErrBadFrame            = NewCodeError(BadFrameError, "bad frame")
	ErrIdentityMismatch    = NewCodeError(IdentityMismatchError, "user id does not match connection")
	ErrRateLimited         = NewCodeError(RateLimitedError, "too many frames")
	ErrUnknownConn         = NewCodeError(UnknownConnError, "connection not attached")

	ErrUnauthorized = NewCodeError(UnauthorizedError, "authentication required")
)

func init() {
	// exhausted location retries surface as a denial to the UI
	_ = DefaultCodeRelation.Add(PermissionDeniedError, LocationUnavailableError)
	_ = DefaultCodeRelation.Add(ConnectionError, AckTimeoutError)
}
