package domain

import "fmt"

const DefaultBatchCapacity = 1000

// ProductBatch is a bounded, ordered buffer of records awaiting one insert.
type ProductBatch struct {
	items    []Product
	capacity int
}

func NewProductBatch(capacity int) *ProductBatch {
	if capacity <= 0 {
		capacity = DefaultBatchCapacity
	}
	return &ProductBatch{
		items:    make([]Product, 0, capacity),
		capacity: capacity,
	}
}

func (b *ProductBatch) Add(p Product) error {
	if len(b.items) >= b.capacity {
		return fmt.Errorf("%w: batch is full (%d)", ErrConflict, b.capacity)
	}
	b.items = append(b.items, p)
	return nil
}

func (b *ProductBatch) Full() bool { return len(b.items) >= b.capacity }

func (b *ProductBatch) Len() int { return len(b.items) }

func (b *ProductBatch) Capacity() int { return b.capacity }

// Items returns the buffered records. The slice is reused after Reset.
func (b *ProductBatch) Items() []Product { return b.items }

func (b *ProductBatch) Reset() { b.items = b.items[:0] }
