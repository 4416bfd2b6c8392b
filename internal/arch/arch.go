// Package arch is the architecture port: the four primitives the
// core requires from the layer below it, isolated here exactly so the core
// never depends on real register save/restore. On real hardware this is
// PendSV assembly and a NVIC priority register; on this host simulation it
// is a goroutine parked on a channel rendez-vous standing in for a thread's
// saved stack pointer, and the "naked handler" is the Resume/Suspend pair
// below.
//
// Preemption honesty note: a host goroutine cannot be stopped mid-
// instruction the way a hardware NMI stops a CPU core. This package can
// only hand control to another goroutine at a point where the currently
// running one calls into it. Every suspension point the kernel has
// (block, blockUntil, yield, the mutex reacquire step) is exactly such a
// point, so anything built from those primitives behaves identically to a
// true preemptive kernel. A thread that runs a
// tight loop calling none of them cannot be preempted by this simulation;
// see DESIGN.md.
package arch

// Context is the host stand-in for a TCB's saved stack pointer: a channel
// a thread's goroutine parks on between dispatches.
type Context struct {
	resume chan struct{}
}

// NewContext allocates a parked context. The goroutine that will run this
// context's thread body has not been started yet; see InitialStack.
func NewContext() *Context {
	return &Context{resume: make(chan struct{})}
}

// InitialStack prepares a thread's stack so that, once switchContext first
// selects it, the architecture restore code transfers control to entry(arg)
// with the pendable interrupt's equivalent no longer masked. Concretely:
// it starts the goroutine that will run the thread body, parked on ctx
// until first Resumed. onReturn runs after entry returns (thread
// termination) or panics (reported as a thread crash, terminating only
// that thread).
func InitialStack(ctx *Context, entry func(arg any), arg any, onReturn func(panicValue any)) {
	go func() {
		<-ctx.resume
		var panicValue any
		func() {
			defer func() {
				panicValue = recover()
			}()
			entry(arg)
		}()
		onReturn(panicValue)
	}()
}

// Resume is the "restore" half of the naked handler contract: it hands the
// CPU to ctx's goroutine and returns immediately once that goroutine has
// taken it (the rendez-vous is synchronous, so the caller never races the
// resumed thread's first instructions). Used where the caller will not park
// itself afterwards (boot dispatch, a terminating thread handing over) as
// well as by SwitchTo below.
func (c *Context) Resume() {
	c.resume <- struct{}{}
}

// Suspend is the "save" half: it parks the calling goroutine until some
// later Resume call hands the CPU back. Only ever called by a thread's own
// goroutine on itself.
func (c *Context) Suspend() {
	<-c.resume
}

// SwitchTo is requestContextSwitch followed inline by the pendable
// handler's save/restore, collapsed into one call because this host has no
// separate interrupt context: the currently running thread's own goroutine
// performs the hand-off to next and then parks itself. It returns once this
// context is Resumed again.
func (from *Context) SwitchTo(next *Context) {
	next.Resume()
	from.Suspend()
}
