package twap

import "sync"

// Registry is the in-memory order store. Orders are inserted at submission
// and never removed; completed orders stay queryable for the process
// lifetime.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewRegistry creates an empty order registry
func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]*Order)}
}

// Add stores an order under its ID
func (r *Registry) Add(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
}

// Get looks up an order by ID
func (r *Registry) Get(id string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return o, ok
}

// Len returns the number of stored orders
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}
