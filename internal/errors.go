package plexus

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrConfigInvalid   = errors.New("config invalid")
	ErrAliasUnknown    = errors.New("model alias unknown")
	ErrNoTargets       = errors.New("alias has no enabled targets")
	ErrAllCoolingDown  = errors.New("all targets cooling down")
	ErrTransformFailed = errors.New("request transformation failed")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrBadRequest      = errors.New("bad request")
)
