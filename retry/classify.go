package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Class identifies the failure class of an operation error. The class
// decides retryability: timeouts and network failures are retryable,
// status-coded failures are retryable when the code is configured so, and
// generic failures are not.
type Class int

const (
	// ClassGeneric is an application-level failure, never retried.
	ClassGeneric Class = iota
	// ClassTimeout is an attempt that exceeded its deadline.
	ClassTimeout
	// ClassNetwork is a low-level connectivity failure.
	ClassNetwork
	// ClassStatus is a failure carrying an HTTP-like status code.
	ClassStatus
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	case ClassStatus:
		return "status"
	default:
		return "generic"
	}
}

// Classifier assigns a failure class to an error.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) Class

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Class {
	return f(err)
}

// DefaultClassifier implements the standard taxonomy:
//
//   - timeout: TimeoutError, context.DeadlineExceeded, or any net.Error
//     reporting Timeout()
//   - network: DNS failures, net.OpError, connection refused/reset, broken
//     pipe, unexpected EOF
//   - status: any error carrying a status code (see StatusCode)
//   - generic: everything else, including context.Canceled, which reflects
//     caller intent and must not be retried
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return ClassGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if isNetworkError(err) {
		return ClassNetwork
	}
	if _, ok := StatusCode(err); ok {
		return ClassStatus
	}
	return ClassGeneric
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// StatusCode extracts an HTTP-like status code carried by err, either as an
// *HTTPError or any error type exposing StatusCode() int.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		return coder.StatusCode(), true
	}
	return 0, false
}
