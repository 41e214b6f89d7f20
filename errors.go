package ispdb

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of these
// with errors.Is.
var (
	ErrNetwork        = errors.New("network error")
	ErrParse          = errors.New("parse error")
	ErrInvalidAddress = errors.New("invalid address")
	ErrCacheDirectory = errors.New("cache directory error")
)

// NetworkError reports a failed dataset fetch: connection failure, timeout,
// or a non-2xx HTTP status.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ParseError reports a malformed line in the prefix-to-AS dataset.
type ParseError struct {
	Dataset DatasetID
	Line    int // 1-based
	Text    string
	Err     error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s line %d %q: %v", e.Dataset, e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// InvalidAddressError reports lookup input that is neither IPv4 nor IPv6.
type InvalidAddressError struct {
	Input string
	Err   error
}

// Error implements the error interface.
func (e *InvalidAddressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid address %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("invalid address %q", e.Input)
}

func (e *InvalidAddressError) Unwrap() error { return e.Err }

func (e *InvalidAddressError) Is(target error) bool { return target == ErrInvalidAddress }

// CacheDirectoryError reports an unusable snapshot cache directory.
type CacheDirectoryError struct {
	Path string
	Op   string // "create", "read", "write", ...
	Err  error
}

// Error implements the error interface.
func (e *CacheDirectoryError) Error() string {
	return fmt.Sprintf("cache directory %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *CacheDirectoryError) Unwrap() error { return e.Err }

func (e *CacheDirectoryError) Is(target error) bool { return target == ErrCacheDirectory }
