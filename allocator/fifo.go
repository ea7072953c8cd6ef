package allocator

import "container/list"

// fifo is an ordered queue of pending offers. Urgent items enter at the
// head; everything else appends, so under sustained contention every
// queued item is eventually served in arrival order.
type fifo struct {
	order *list.List
	index map[string]*list.Element
}

func newFIFO() *fifo {
	return &fifo{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *fifo) pushBack(o *offer) {
	if _, ok := q.index[o.itemID]; ok {
		return
	}
	q.index[o.itemID] = q.order.PushBack(o)
}

func (q *fifo) pushFront(o *offer) {
	if _, ok := q.index[o.itemID]; ok {
		return
	}
	q.index[o.itemID] = q.order.PushFront(o)
}

func (q *fifo) peek() *offer {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*offer)
}

func (q *fifo) pop() *offer {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	o := front.Value.(*offer)
	q.order.Remove(front)
	delete(q.index, o.itemID)
	return o
}

func (q *fifo) remove(itemID string) {
	if el, ok := q.index[itemID]; ok {
		q.order.Remove(el)
		delete(q.index, itemID)
	}
}

func (q *fifo) len() int {
	return q.order.Len()
}
