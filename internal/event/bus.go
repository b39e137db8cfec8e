package event

import "sync"

// Bus is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine in subscription order, so a single producer's
// events reach every handler in the order they were published.
// Handlers must not block; hand off to a goroutine or channel if needed.
type Bus[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[E]
}

type subscription[E any] struct {
	id uint64
	fn func(E)
}

func NewBus[E any]() *Bus[E] { return &Bus[E]{} }

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(e)
	}
}

// Len reports the number of active subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
