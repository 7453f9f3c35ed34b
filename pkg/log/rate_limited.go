// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited is a Logger that passes at most one message per period to
// another logger. Messages it holds back are counted, and the count is
// appended to the next message that gets through. The kernel wraps
// diagnostics that can repeat on every tick in one: lock contention and
// context switch traces.
type RateLimited struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// global forwards to the logger Log returns at the time of each call, so a
// RateLimited built during package initialization follows SetTarget.
type global struct{}

func (global) Debugf(format string, v ...any)   { Log().DebugfAtDepth(2, format, v...) }
func (global) Infof(format string, v ...any)    { Log().InfofAtDepth(2, format, v...) }
func (global) Warningf(format string, v ...any) { Log().WarningfAtDepth(2, format, v...) }
func (global) IsLogging(level Level) bool       { return IsLogging(level) }

// BasicRateLimitedLogger returns a RateLimited over the global logger that
// logs no more than once per every.
func BasicRateLimitedLogger(every time.Duration) *RateLimited {
	return RateLimitedLogger(global{}, every)
}

// RateLimitedLogger returns a RateLimited over logger that logs no more than
// once per every.
func RateLimitedLogger(logger Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// logf emits through emit if the period allows it. Messages below the
// wrapped logger's level spend nothing and are not counted.
func (rl *RateLimited) logf(level Level, emit func(string, ...any), format string, v []any) {
	if !rl.logger.IsLogging(level) {
		return
	}
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return
	}
	if n := rl.dropped.Swap(0); n > 0 {
		format += " (%d similar messages dropped)"
		v = append(v[:len(v):len(v)], n)
	}
	emit(format, v...)
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	rl.logf(Debug, rl.logger.Debugf, format, v)
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	rl.logf(Info, rl.logger.Infof, format, v)
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	rl.logf(Warning, rl.logger.Warningf, format, v)
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// Dropped returns the number of messages held back since the last one that
// got through.
func (rl *RateLimited) Dropped() uint64 {
	return rl.dropped.Load()
}
