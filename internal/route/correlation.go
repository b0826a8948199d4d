// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package route

import "fmt"

// ErrAlreadyCorrelated is returned by Insert when a correlationId is
// already pending, which would violate the single-consumer contract:
// exactly one removal per insertion.
var ErrAlreadyCorrelated = fmt.Errorf("route: correlationId already pending")

// CorrelationMap tracks pending half-pairs awaiting their counterpart.
// Half is opaque to the map; it is whatever the stream factory needs to
// finish pairing, typically a bound WriteStream plus its reply-stream
// plumbing.
type CorrelationMap[Half any] struct {
	pending map[uint64]Half
}

// NewCorrelationMap creates an empty map.
func NewCorrelationMap[Half any]() *CorrelationMap[Half] {
	return &CorrelationMap[Half]{pending: make(map[uint64]Half)}
}

// Insert records the first half of a pair. It is an error to insert twice
// under the same correlationId before the first is removed.
func (m *CorrelationMap[Half]) Insert(correlationID uint64, half Half) error {
	if _, exists := m.pending[correlationID]; exists {
		return ErrAlreadyCorrelated
	}
	m.pending[correlationID] = half
	return nil
}

// Remove takes the pending half for correlationID, if any, and deletes
// it — the single permitted consumption of this correlationId.
func (m *CorrelationMap[Half]) Remove(correlationID uint64) (Half, bool) {
	half, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	return half, ok
}

// Len reports the number of half-pairs currently awaiting their
// counterpart.
func (m *CorrelationMap[Half]) Len() int { return len(m.pending) }
