package buffer

// List is an ordered, doubly-linked sequence of stream buffers with O(1)
// append. It owns the nodes it links; ClientPrivate buffers are never
// appended here (a viewer allocates those for itself — spec.md §4.2).
//
// Pointers into a linked node stay valid at the same address until the node
// is explicitly removed, so viewer cursors (held outside this package) are
// never invalidated by unrelated appends or removals elsewhere in the list.
type List struct {
	head, tail *Buffer
}

// Head returns the first buffer in the list, or nil if empty.
func (l *List) Head() *Buffer { return l.head }

// Tail returns the last buffer in the list, or nil if empty.
func (l *List) Tail() *Buffer { return l.tail }

// Append links b at the tail of the list in O(1).
func (l *List) Append(b *Buffer) {
	b.prev = l.tail
	b.next = nil
	if l.tail != nil {
		l.tail.next = b
	} else {
		l.head = b
	}
	l.tail = b
}

// Remove unlinks b from the list. b must currently belong to this list and
// must not be ClientPrivate (those were never linked in).
func (l *List) Remove(b *Buffer) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		l.tail = b.prev
	}
	b.prev, b.next = nil, nil
}

// RemoveLast removes and returns the current tail, or nil if the list is
// empty (used when the pipeline's own temporary reference on a freshly
// appended buffer is the last one left).
func (l *List) RemoveLast() *Buffer {
	b := l.tail
	if b != nil {
		l.Remove(b)
	}
	return b
}
