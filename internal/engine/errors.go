package engine

import "errors"

var (
	// ErrRuleNotFound indicates no rule exists for the requested id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRule wraps every rule validation failure.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrUpstream indicates the label or metrics service could not answer.
	ErrUpstream = errors.New("upstream unavailable")

	// ErrRateLimited indicates the ad platform throttled the call.
	ErrRateLimited = errors.New("ad platform rate limit")

	// ErrPermission indicates the ad platform rejected the credentials or scope.
	ErrPermission = errors.New("ad platform permission denied")

	// ErrObjectNotFound indicates the ad platform does not know the object.
	ErrObjectNotFound = errors.New("ad object not found")

	// ErrRevertNotClaimed indicates a revert completion without a matching claim.
	ErrRevertNotClaimed = errors.New("revert is not claimed")
)
