//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"math"
	"net"
	"time"
)

// RetryCondition determines whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc adapts a function to RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy wraps task invocations within a step. Attempts are counted
// inclusive of the first try: MaxAttempts=3 means one initial try plus up to
// two retries. Writes staged by failed attempts are discarded.
type RetryPolicy struct {
	// MaxAttempts caps total tries; values below 1 mean a single try.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64
	// MaxInterval clamps the delay.
	MaxInterval time.Duration
	// RetryOn classifies retryable errors. Empty means nothing retries.
	RetryOn []RetryCondition
}

// NextDelay returns the backoff delay before the retry following the given
// attempt (attempt starts at 1 for the first try).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	delay := float64(p.InitialInterval)
	if attempt > 1 {
		delay *= math.Pow(factor, float64(attempt-1))
	}
	max := p.MaxInterval
	if max <= 0 {
		max = p.InitialInterval
	}
	if max > 0 {
		delay = math.Min(delay, float64(max))
	}
	d := time.Duration(delay)
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether err matches any of the policy's conditions.
// Interrupts and recursion errors never retry.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || IsInterrupt(err) || IsGraphRecursionError(err) {
		return false
	}
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// RetryOnErrors creates a condition matching errors.Is against any target.
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t != nil && errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate creates a condition from a predicate function.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(func(err error) bool { return match(err) })
}

// DefaultTransientCondition matches common transient errors: context
// deadline expiry and net.Error timeouts.
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	})
}

// WithSimpleRetry is a convenience constructor for a basic policy retrying
// transient errors.
func WithSimpleRetry(attempts int) *RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		RetryOn:         []RetryCondition{DefaultTransientCondition()},
	}
}
