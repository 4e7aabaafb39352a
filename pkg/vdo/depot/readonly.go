package depot

import (
	"sync"

	"github.com/buildbarn/vdo-depot/pkg/util"
)

// ReadOnlyNotifier is a small pub-sub over zone work queues: entering
// read-only mode broadcasts to every subscribed allocator, which
// aborts its own waiting journal writes by completing their waiters
// with ReadOnly, all on its own thread rather than having the
// triggering goroutine reach into zone state directly.
type ReadOnlyNotifier struct {
	errorLogger util.ErrorLogger

	mu          sync.Mutex
	subscribers []func(cause error)
	entered     bool
	cause       error
}

// NewReadOnlyNotifier creates a notifier that has not yet fired. The
// cause of a read-only transition is reported through errorLogger,
// since it is generated asynchronously and has no caller to return to.
func NewReadOnlyNotifier(errorLogger util.ErrorLogger) *ReadOnlyNotifier {
	return &ReadOnlyNotifier{errorLogger: errorLogger}
}

// Subscribe registers fn to run when the depot enters read-only mode.
// If read-only mode was already entered, fn runs immediately with the
// latched cause.
func (n *ReadOnlyNotifier) Subscribe(fn func(cause error)) {
	n.mu.Lock()
	if n.entered {
		cause := n.cause
		n.mu.Unlock()
		fn(cause)
		return
	}
	n.subscribers = append(n.subscribers, fn)
	n.mu.Unlock()
}

// EnterReadOnly latches cause (first call wins) and notifies every
// subscriber. Read-only mode is absorbing: subsequent calls are
// no-ops.
func (n *ReadOnlyNotifier) EnterReadOnly(cause error) {
	n.mu.Lock()
	if n.entered {
		n.mu.Unlock()
		return
	}
	n.entered = true
	n.cause = cause
	subs := n.subscribers
	n.mu.Unlock()
	n.errorLogger.Log(cause)
	for _, fn := range subs {
		fn(cause)
	}
}

// IsReadOnly reports whether the depot has entered read-only mode and,
// if so, the cause that triggered it.
func (n *ReadOnlyNotifier) IsReadOnly() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.entered, n.cause
}
