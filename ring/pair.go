// https://github.com/lucypa/sDDF
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

// Pair bundles the free ring and used ring that make up one directed
// connection between two adjacent components (§3 "Ring pair"). Descriptors
// flow consumer-to-producer on Free and producer-to-consumer on Used;
// ownership of the memory a descriptor names follows the descriptor.
type Pair struct {
	Free *Ring
	Used *Ring
}

// NewPair allocates a free/used ring pair, both of the given capacity.
func NewPair(capacity uint32) *Pair {
	return &Pair{
		Free: New(capacity),
		Used: New(capacity),
	}
}

// EnqueueFree places a now-empty buffer descriptor back on the free ring.
func (p *Pair) EnqueueFree(d Descriptor) error {
	return p.Free.Enqueue(d)
}

// EnqueueUsed places a filled buffer descriptor on the used ring.
func (p *Pair) EnqueueUsed(d Descriptor) error {
	return p.Used.Enqueue(d)
}

// DequeueFree removes the oldest descriptor from the free ring.
func (p *Pair) DequeueFree() (Descriptor, error) {
	return p.Free.Dequeue()
}

// DequeueUsed removes the oldest descriptor from the used ring.
func (p *Pair) DequeueUsed() (Descriptor, error) {
	return p.Used.Dequeue()
}
