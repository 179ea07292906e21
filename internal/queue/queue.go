// Package queue содержит потокобезопасные очереди для передачи событий
// из фоновых воркеров в однопоточный цикл тиков.
package queue

import "sync"

// Queue неограниченная FIFO-очередь: много писателей, один читатель.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
}

// DrainAll забирает все накопленные элементы в порядке добавления.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready сигналит, что в очереди появились элементы. Сигналы схлопываются,
// поэтому после получения сигнала читатель должен вызвать DrainAll.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dedup как Queue, но не принимает элемент, равный уже ожидающему в очереди.
// После DrainAll тот же элемент снова может быть добавлен.
type Dedup[T comparable] struct {
	mu      sync.Mutex
	items   []T
	pending map[T]struct{}
}

func NewDedup[T comparable]() *Dedup[T] {
	return &Dedup[T]{
		pending: make(map[T]struct{}),
	}
}

// Push добавляет v и возвращает true, если v ещё не ожидал в очереди.
func (q *Dedup[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[v]; exists {
		return false
	}
	q.pending[v] = struct{}{}
	q.items = append(q.items, v)
	return true
}

func (q *Dedup[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	clear(q.pending)
	return items
}

func (q *Dedup[T]) Contains(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists := q.pending[v]
	return exists
}

func (q *Dedup[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
