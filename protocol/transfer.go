package protocol

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/wire"
)

var (
	errOverrun = errors.New("transfer inbox overrun")
	errClosed  = errors.New("session closed")

	// errRefused marks a transfer the source cannot ever serve as requested.
	errRefused = errors.New("refused by source")
)

// transfer is one in-flight exchange about one path.
type transfer struct {
	id     uint64
	path   string
	role   Role
	state  atomic.Int32
	inbox  chan wire.Scoped
	ctx    context.Context
	cancel context.CancelCauseFunc

	// told is set once the other side has been sent, or has sent, the transfer's outcome.
	// Only the goroutine running the transfer uses it.
	told bool
}

func (t *transfer) setState(s State) {
	t.state.Store(int32(s))
}

func (t *transfer) State() State {
	return State(t.state.Load())
}

// TransferInfo describes an in-flight transfer.
type TransferInfo struct {
	ID    uint64
	Path  string
	Role  Role
	State State
}

// Transfers lists the peer's in-flight transfers in id order.
func (p *Peer) Transfers() []TransferInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TransferInfo, 0, len(p.transfers))
	for _, t := range p.transfers {
		out = append(out, TransferInfo{ID: t.id, Path: t.path, Role: t.role, State: t.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Caller must hold p.mu.
func (p *Peer) addTransferLocked(id uint64, path string, role Role) *transfer {
	ctx, cancel := context.WithCancelCause(p.ctx)
	t := &transfer{
		id:     id,
		path:   path,
		role:   role,
		inbox:  make(chan wire.Scoped, p.params.inboxSize()),
		ctx:    ctx,
		cancel: cancel,
	}
	t.setState(Idle)
	p.transfers[id] = t
	if role == Source {
		p.sources++
	}
	return t
}

func (p *Peer) release(t *transfer) {
	p.mu.Lock()
	if p.transfers[t.id] == t {
		delete(p.transfers, t.id)
		if t.role == Source {
			p.sources--
		}
	}
	p.mu.Unlock()
	t.cancel(nil)
}

// wait produces the next message for t,
// or a *phoenix.TransferError if none arrives within d or t is canceled.
func (p *Peer) wait(t *transfer, d time.Duration, what string) (wire.Scoped, error) {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-t.inbox:
		return m, nil

	case <-t.ctx.Done():
		cause := context.Cause(t.ctx)
		if p.ctx.Err() != nil {
			cause = errClosed
		}
		return nil, &phoenix.TransferError{Path: t.path, Reason: "waiting for " + what, Err: cause}

	case <-timer.Chan():
		return nil, &phoenix.TransferError{Path: t.path, Reason: "timed out waiting for " + what}
	}
}
