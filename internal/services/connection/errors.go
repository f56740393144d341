package connection

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthentication is fatal for a connection, it is never retried
	ErrAuthentication = errors.New("authentication failed")
	// ErrRateLimited means the venue rejected us for sending too much, retry later
	ErrRateLimited = errors.New("rate limited")
	// ErrFailed is returned once the supervisor gave up reconnecting
	ErrFailed = errors.New("connection failed")
	// ErrClosed is returned by operations on a closed supervisor
	ErrClosed = errors.New("supervisor closed")

	errNoEpoch = errors.New("no live connection")
)

// ClassifyHTTPStatus maps a handshake or REST status code to a sentinel error, nil when the status is not special
func ClassifyHTTPStatus(status int) error {
	switch status {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthentication
	default:
		return nil
	}
}

// wrapStatus wraps err with the sentinel matching status, if any
func wrapStatus(status int, err error) error {
	if sentinel := ClassifyHTTPStatus(status); sentinel != nil {
		return fmt.Errorf("%w (http %d): %v", sentinel, status, err)
	}
	return err
}
