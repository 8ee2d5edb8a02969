package model

import "errors"

// Semantic error kinds per spec §7. Components wrap these with %w so
// callers can classify failures with errors.Is without depending on
// component-specific error types.
var (
	// ErrAuth indicates bad credentials, or a 401 that survived one
	// forced-refresh retry.
	ErrAuth = errors.New("auth error")

	// ErrPanelUnavailable indicates every scheme/attempt combination
	// against the panel failed.
	ErrPanelUnavailable = errors.New("panel unavailable")

	// ErrNotFound indicates the panel reported the resource absent
	// (404).
	ErrNotFound = errors.New("not found")

	// ErrParse indicates a log line, config file, or cached JSON file
	// could not be parsed.
	ErrParse = errors.New("parse error")

	// ErrGeoUnavailable indicates every geo-IP endpoint failed; callers
	// should treat the country as unknown rather than reject the IP.
	ErrGeoUnavailable = errors.New("geo lookup unavailable")

	// ErrCancelled indicates the operation was cancelled via context.
	ErrCancelled = errors.New("cancelled")
)
