// Package kvcache stores accumulated per-layer key/value history for
// incremental decoding. A cache grows monotonically by concatenation and
// never shrinks; eviction is the caller's concern.
package kvcache

// Cache holds the key and value history for one attention layer.
//
// Keys and values are stored flat with one fixed-width block per position:
// position p occupies keys[p*KeyStride : (p+1)*KeyStride] and the analogous
// value range. The per-position layout inside a block (head-major, then the
// per-head feature dimension) is owned by the attention layer that feeds the
// cache.
//
// The sanctioned call order per forward pass is Offset first, then exactly
// one UpdateAndFetch: rotary encoding needs the pre-update offset to know the
// absolute position of the first new token.
type Cache struct {
	KeyStride   int
	ValueStride int

	keys   []float32
	values []float32
	offset int
}

// New returns an empty cache whose per-position key and value blocks hold
// keyStride and valueStride float32 elements respectively.
func New(keyStride, valueStride int) *Cache {
	if keyStride <= 0 || valueStride <= 0 {
		panic("kvcache: strides must be positive")
	}
	return &Cache{KeyStride: keyStride, ValueStride: valueStride}
}

// Offset reports the number of positions already stored.
func (c *Cache) Offset() int {
	return c.offset
}

// UpdateAndFetch appends newKeys and newValues, which must describe the same
// whole number of positions, and returns the full accumulated keys and
// values. The returned slices alias internal storage and are valid until the
// next UpdateAndFetch call.
func (c *Cache) UpdateAndFetch(newKeys, newValues []float32) ([]float32, []float32) {
	if len(newKeys)%c.KeyStride != 0 {
		panic("kvcache: key length is not a whole number of positions")
	}
	n := len(newKeys) / c.KeyStride
	if len(newValues) != n*c.ValueStride {
		panic("kvcache: key and value position counts differ")
	}
	c.keys = append(c.keys, newKeys...)
	c.values = append(c.values, newValues...)
	c.offset += n
	return c.keys, c.values
}
