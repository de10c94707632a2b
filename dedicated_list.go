package rheap

import (
	"github.com/pkg/errors"
)

// dedicatedPageList is an intrusive linked list of a heap's dedicated pages. It is guarded by
// its heap's mutex.
type dedicatedPageList struct {
	count int
	head  *page
	tail  *page
}

func (l *dedicatedPageList) Validate() error {
	actualCount := 0

	for p := l.head; p != nil; p = p.next {
		if !p.dedicated {
			return errors.Errorf("page %d is in the dedicated list but is not dedicated", p.id)
		}
		if p.next != nil && p.next.prev != p {
			return errors.Errorf("the dedicated list is broken after page %d", p.id)
		}
		actualCount++
	}

	if l.count != actualCount {
		return errors.Errorf("the listed number of dedicated pages in the list (%d) does not match the actual number of pages (%d)", l.count, actualCount)
	}

	return nil
}

func (l *dedicatedPageList) IsEmpty() bool {
	return l.count == 0
}

func (l *dedicatedPageList) Len() int {
	return l.count
}

func (l *dedicatedPageList) Push(p *page) {
	if l.count == 0 {
		l.head = p
		l.tail = p
		l.count = 1
		return
	}

	p.prev = l.tail
	l.tail.next = p
	l.tail = p
	l.count++
}

func (l *dedicatedPageList) Remove(p *page) {
	prev := p.prev
	next := p.next

	if prev != nil {
		prev.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else {
		l.tail = prev
	}

	p.next = nil
	p.prev = nil

	l.count--
}
