// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package framing

import "time"

// Options configures framing behavior. The engine serves a single
// transport shape, a byte-oriented, non boundary-preserving ring, with
// the byte order fixed to little-endian.
type Options struct {
	// ReadLimit caps the maximum allowed payload size (bytes). Zero means no limit.
	// Bound by Config.MaxMessageLength when constructed through package wire.
	ReadLimit int

	// RetryDelay controls how the engine handles iox.ErrWouldBlock from the
	// underlying ring:
	//   - negative: nonblock, return ErrWouldBlock immediately
	//   - zero: yield (runtime.Gosched) and retry
	//   - positive: sleep for the duration and retry
	RetryDelay time.Duration
}

var defaultOptions = Options{
	ReadLimit:  0,
	RetryDelay: -1, // default: nonblock
}

type Option func(*Options)

func WithReadLimit(limit int) Option {
	return func(o *Options) { o.ReadLimit = limit }
}

// WithRetryDelay sets the retry/wait policy used when the underlying ring returns iox.ErrWouldBlock.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithBlock enables cooperative blocking (yield-and-retry) on iox.ErrWouldBlock.
func WithBlock() Option {
	return func(o *Options) { o.RetryDelay = 0 }
}

// WithNonblock forces non-blocking behavior (return iox.ErrWouldBlock immediately).
func WithNonblock() Option {
	return func(o *Options) { o.RetryDelay = -1 }
}
