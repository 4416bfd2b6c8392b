// Thread groups: a lifecycle scope over a set of threads, for subsystems
// that start several workers and tear them down together.

package thread

import gosync "sync"

// Group tracks a set of threads sharing a lifecycle scope.
type Group struct {
	mu      gosync.Mutex
	members []*Thread
}

// NewGroup returns an empty group.
func NewGroup() *Group { return &Group{} }

// Add registers th with the group. A thread may belong to several groups;
// membership has no scheduling effect.
func (g *Group) Add(th *Thread) {
	g.mu.Lock()
	g.members = append(g.members, th)
	g.mu.Unlock()
}

// Len reports the number of member threads.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// StartAll starts every member in registration order, stopping at the
// first failure. A member that was already started is such a failure (its
// Start returns an INVALID error); members after it are not started.
func (g *Group) StartAll() error {
	g.mu.Lock()
	members := append([]*Thread(nil), g.members...)
	g.mu.Unlock()
	for _, th := range members {
		if err := th.Start(); err != nil {
			return err
		}
	}
	return nil
}

// JoinAll joins every member in registration order, returning the first
// error but still attempting the rest.
func (g *Group) JoinAll() error {
	g.mu.Lock()
	members := append([]*Thread(nil), g.members...)
	g.mu.Unlock()
	var first error
	for _, th := range members {
		if err := th.Join(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
