// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"strings"

	"github.com/pingcap/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// transportErrors are the dispatch failures that may succeed on another
// compute node.
var transportErrors = []*errors.Error{
	ErrDispatchTimeout,
	ErrNodeUnavailable,
	ErrComputeNodeClosed,
}

// Is reports whether any error in the chain of err is a target error.
// Unlike target.Equal, it also finds target when target wraps a cause.
func Is(err error, target *errors.Error) bool {
	found := false
	walk(err, func(e error) bool {
		if rfcErr, ok := e.(*errors.Error); ok && rfcErr.ID() == target.ID() {
			found = true
		}
		return found
	})
	return found
}

// walk calls fn with err and every error it wraps until fn returns true.
func walk(err error, fn func(error) bool) {
	for err != nil {
		if fn(err) {
			return
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return
		}
	}
}

// IsRetryableDispatchError reports whether a job submission failed because of
// the transport rather than the computation, so the job can be sent to a
// different compute node.
func IsRetryableDispatchError(err error) bool {
	if err == nil {
		return false
	}
	retryable := false
	walk(err, func(e error) bool {
		if e == context.Canceled {
			return true
		}
		if e == context.DeadlineExceeded {
			retryable = true
			return true
		}
		if rfcErr, ok := e.(*errors.Error); ok {
			// the outermost normalized error classifies the failure
			for _, target := range transportErrors {
				if rfcErr.ID() == target.ID() {
					retryable = true
				}
			}
			return true
		}
		if s, ok := e.(interface{ GRPCStatus() *status.Status }); ok {
			switch s.GRPCStatus().Code() {
			case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
				retryable = true
			}
			return true
		}
		return false
	})
	return retryable
}

// IsRetryableError is used by the retry package to decide whether an error is
// worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	return true
}

// ShortError contructs a short error message from the error stack.
func ShortError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.Index(msg, "\n"); idx > 0 {
		return msg[:idx]
	}
	return msg
}

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}
