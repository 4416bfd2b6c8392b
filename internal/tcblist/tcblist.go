// Package tcblist implements the intrusive priority-ordered list shared by
// the scheduler's run queue and every synchronization primitive's blocked
// list. A Node lives embedded
// in (referenced once by) the item it represents, so removal of an
// arbitrary element (the thing a firing timeout needs) is O(1): no
// linear scan, no allocation.
package tcblist

import "golang.org/x/exp/constraints"

// Item is anything a List can hold: it must report an ordering key.
// Descending Priority() order with FIFO tie-break is the ordering every
// list in this kernel uses (run queue, mutex/cv/semaphore blocked lists).
type Item[P constraints.Ordered] interface {
	Priority() P
}

// Node is the single link a Item occupies in whichever List currently
// holds it. A TCB owns exactly one Node and reuses it across
// every wait list it is ever inserted into: a thread can only ever be
// blocked in one place at a time.
type Node[P constraints.Ordered] struct {
	prev, next *Node[P]
	list       *List[P]
	item       Item[P]
}

// NewNode allocates the single Node an item will reuse for its entire
// lifetime.
func NewNode[P constraints.Ordered](item Item[P]) *Node[P] {
	return &Node[P]{item: item}
}

// Item returns the item this node represents.
func (n *Node[P]) Item() Item[P] { return n.item }

// Linked reports whether the node currently belongs to some List.
func (n *Node[P]) Linked() bool { return n.list != nil }

// List reports the List this node currently belongs to, or nil.
func (n *Node[P]) List() *List[P] { return n.list }

// Next returns the next node in list order, or nil at the tail.
func (n *Node[P]) Next() *Node[P] { return n.next }

// Prev returns the previous node in list order, or nil at the head.
func (n *Node[P]) Prev() *Node[P] { return n.prev }

// List is a doubly linked, priority-descending, FIFO-within-priority
// intrusive list.
type List[P constraints.Ordered] struct {
	head, tail *Node[P]
	len        int
}

// New returns an empty list.
func New[P constraints.Ordered]() *List[P] { return &List[P]{} }

// Len reports the number of linked nodes.
func (l *List[P]) Len() int { return l.len }

// Front returns the head node (highest priority, earliest arrival within
// its band), or nil if the list is empty.
func (l *List[P]) Front() *Node[P] { return l.head }

// Back returns the tail node, or nil if the list is empty.
func (l *List[P]) Back() *Node[P] { return l.tail }

// Remove detaches n from l. n must currently belong to l. O(1).
func (l *List[P]) Remove(n *Node[P]) {
	if n.list != l {
		panic("tcblist: Remove of node not linked to this list")
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// PushBack appends n at the tail unconditionally, ignoring priority
// ordering. For lists where arrival order alone matters.
func (l *List[P]) PushBack(n *Node[P]) {
	if n.Linked() {
		panic("tcblist: PushBack of already-linked node")
	}
	n.list = l
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.len++
}

// InsertOrdered inserts n keyed by n.Item().Priority(), descending, with
// FIFO tie-break: n is inserted immediately before the first existing node
// whose priority is strictly lower than n's, i.e. after every node of
// equal-or-higher priority already present. Repeatedly removing and
// reinserting an unchanged-priority node therefore moves it to the back of
// its own priority band: exactly the rotation Yield and round-robin
// ticking need.
func (l *List[P]) InsertOrdered(n *Node[P]) {
	if n.Linked() {
		panic("tcblist: InsertOrdered of already-linked node")
	}
	p := n.item.Priority()
	cur := l.head
	for cur != nil && !(cur.item.Priority() < p) {
		cur = cur.next
	}
	l.insertBefore(n, cur)
}

// InsertOrderedFront is InsertOrdered with the opposite tie-break: n goes
// ahead of every node of equal priority already present, immediately after
// the last strictly-higher node. Used by setPriority with alwaysBehind
// false, where a thread raising its own priority expects to run before its
// new peers rather than queue behind them.
func (l *List[P]) InsertOrderedFront(n *Node[P]) {
	if n.Linked() {
		panic("tcblist: InsertOrderedFront of already-linked node")
	}
	p := n.item.Priority()
	cur := l.head
	for cur != nil && cur.item.Priority() > p {
		cur = cur.next
	}
	l.insertBefore(n, cur)
}

// insertBefore links n immediately before cur, or at the tail when cur is
// nil.
func (l *List[P]) insertBefore(n, cur *Node[P]) {
	n.list = l
	if cur == nil {
		n.prev = l.tail
		n.next = nil
		if l.tail != nil {
			l.tail.next = n
		} else {
			l.head = n
		}
		l.tail = n
	} else {
		n.next = cur
		n.prev = cur.prev
		if cur.prev != nil {
			cur.prev.next = n
		} else {
			l.head = n
		}
		cur.prev = n
	}
	l.len++
}
