// Package buffer holds a worker's pending output until the worker's unit gets
// the turn. A Buffer is owned by a single goroutine and carries no locking.
package buffer

import (
	"errors"

	"github.com/kingrea/turnstile/internal/turn"
)

// ErrEmpty is returned by PopFront on an empty buffer.
var ErrEmpty = errors.New("buffer: empty")

// Record is one line of output tagged with the unit that produced it. Marker
// records carry no text; they hold a unit's place in the queue so a unit whose
// output was already flushed (or that produced nothing) still reaches the
// front and gets its turn retired.
type Record struct {
	Unit   turn.UnitID
	Text   string
	Marker bool
}

// Buffer is an insertion-ordered queue of records.
type Buffer struct {
	records []Record
	head    int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append queues a record. It never blocks.
func (b *Buffer) Append(unit turn.UnitID, text string) {
	b.records = append(b.records, Record{Unit: unit, Text: text})
}

// AppendMarker queues a text-less record for unit.
func (b *Buffer) AppendMarker(unit turn.UnitID) {
	b.records = append(b.records, Record{Unit: unit, Marker: true})
}

// PeekBack returns the newest record without removing it.
func (b *Buffer) PeekBack() (Record, bool) {
	if b.IsEmpty() {
		return Record{}, false
	}
	return b.records[len(b.records)-1], true
}

// PeekFront returns the oldest record without removing it.
func (b *Buffer) PeekFront() (Record, bool) {
	if b.IsEmpty() {
		return Record{}, false
	}
	return b.records[b.head], true
}

// PopFront removes and returns the oldest record.
func (b *Buffer) PopFront() (Record, error) {
	if b.IsEmpty() {
		return Record{}, ErrEmpty
	}
	rec := b.records[b.head]
	b.records[b.head] = Record{}
	b.head++
	b.compact()
	return rec, nil
}

// IsEmpty reports whether no records are queued.
func (b *Buffer) IsEmpty() bool {
	return b.head >= len(b.records)
}

// Len returns the number of queued records.
func (b *Buffer) Len() int {
	return len(b.records) - b.head
}

// FrontRun counts the contiguous records at the front tagged with unit.
func (b *Buffer) FrontRun(unit turn.UnitID) int {
	n := 0
	for i := b.head; i < len(b.records) && b.records[i].Unit == unit; i++ {
		n++
	}
	return n
}

// compact reclaims the consumed prefix once it dominates the backing array.
func (b *Buffer) compact() {
	if b.head == len(b.records) {
		b.records = b.records[:0]
		b.head = 0
		return
	}
	if b.head > 64 && b.head*2 > len(b.records) {
		n := copy(b.records, b.records[b.head:])
		b.records = b.records[:n]
		b.head = 0
	}
}
