// Package volume is the in-process stand-in for the "external" volume
// registry the distilled spec treats as a collaborator: lookup-by-name,
// refcount take/drop, state flags, the completion queue, ack-sender
// bookkeeping, and rebuild counters/state all live here.
package volume

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudbyte/zrepl-core/store"
)

type State int32

const (
	StateOffline State = iota
	StateHealthy
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateHealthy:
		return "HEALTHY"
	case StateRebuilding:
		return "REBUILDING"
	default:
		return "UNKNOWN"
	}
}

type RebuildState int32

const (
	RebuildInit RebuildState = iota
	RebuildInProgress
	RebuildDone
	RebuildErrored
	RebuildFailed
)

// CompletedCmd is the narrow view the completion queue needs: enough to
// write a response back to its originating connection. ioengine.Cmd
// implements this; kept as an interface here to avoid an import cycle
// between volume and ioengine (ioengine.Worker depends on volume.Info).
type CompletedCmd interface {
	ConnFD() uintptr
}

// RebuildCounters tracks the fan-out of concurrent downstream rebuild
// sessions for one volume (see spec §4.3 completion bookkeeping).
type RebuildCounters struct {
	Cnt       int32
	DoneCnt   int32
	FailedCnt int32
}

// Info is the per-volume record every component operates on. Lock
// ordering, per the spec, is always: registry mutex -> RebuildMtx ->
// AckLock -> (process-wide) timer mutex.
type Info struct {
	Name  string
	Zv    store.Engine
	state atomic.Int32 // State

	refcount atomic.Int64

	AckLock      sync.Mutex
	AckCond      *sync.Cond
	CompleteQ    []CompletedCmd
	AckWaiting   bool
	AckAlive     bool
	InFlightAck  CompletedCmd
	inFlightCond *sync.Cond

	runningIoNum      atomic.Uint64
	CheckpointedIoNum atomic.Uint64
	CheckpointedTime  atomic.Int64 // unix seconds
	UpdateInterval    atomic.Int64 // seconds

	RebuildMtx   sync.Mutex
	RebuildInfo  RebuildCounters
	rebuildState atomic.Int32
}

// New creates a volume record in the OFFLINE state; callers must SetState
// to bring it online once the backing engine is ready.
func New(name string, zv store.Engine) *Info {
	v := &Info{Name: name, Zv: zv}
	v.AckCond = sync.NewCond(&v.AckLock)
	v.inFlightCond = sync.NewCond(&v.AckLock)
	v.state.Store(int32(StateOffline))
	v.UpdateInterval.Store(600)
	return v
}

func (v *Info) State() State        { return State(v.state.Load()) }
func (v *Info) SetState(s State)    { v.state.Store(int32(s)) }
func (v *Info) IsHealthy() bool     { return v.State() == StateHealthy }
func (v *Info) IsOffline() bool     { return v.State() == StateOffline }

func (s RebuildState) String() string {
	switch s {
	case RebuildInit:
		return "INIT"
	case RebuildInProgress:
		return "IN_PROGRESS"
	case RebuildDone:
		return "DONE"
	case RebuildErrored:
		return "ERRORED"
	case RebuildFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (v *Info) RebuildState() RebuildState     { return RebuildState(v.rebuildState.Load()) }
func (v *Info) SetRebuildState(s RebuildState) { v.rebuildState.Store(int32(s)) }

// TakeRef increments the refcount; the worker is responsible for the
// matching DropRef exactly once per dispatched command.
func (v *Info) TakeRef() { v.refcount.Add(1) }

// DropRef decrements the refcount. Never returns an error: the spec's
// refcount discipline is "drop exactly once regardless of outcome",
// there is nothing to report.
func (v *Info) DropRef() { v.refcount.Add(-1) }

func (v *Info) RefCount() int64 { return v.refcount.Load() }

// RunningIoNum returns the monotonically non-decreasing high-water mark.
func (v *Info) RunningIoNum() uint64 { return v.runningIoNum.Load() }

// AdvanceRunningIoNum CAS-bumps RunningIoNum to max(current, ioNum),
// matching the original's atomic_cas_64 compare-and-retry loop.
func (v *Info) AdvanceRunningIoNum(ioNum uint64) {
	for {
		cur := v.runningIoNum.Load()
		if ioNum <= cur {
			return
		}
		if v.runningIoNum.CompareAndSwap(cur, ioNum) {
			return
		}
	}
}

// Enqueue appends a completed command to the completion queue and wakes
// the ack-sender if it is waiting. Returns false if no ack-sender is alive
// for this volume, in which case the caller must free the command itself.
func (v *Info) Enqueue(cmd CompletedCmd) bool {
	v.AckLock.Lock()
	defer v.AckLock.Unlock()
	if !v.AckAlive {
		return false
	}
	v.CompleteQ = append(v.CompleteQ, cmd)
	if v.AckWaiting {
		v.AckCond.Signal()
	}
	return true
}

// PurgePending removes every queued command whose ConnFD matches fd, and
// blocks (on a condition variable, not a sleep(1) poll, per the spec's
// redesign hint) until any in-flight ack for that fd clears.
func (v *Info) PurgePending(fd uintptr) {
	v.AckLock.Lock()
	defer v.AckLock.Unlock()

	kept := v.CompleteQ[:0]
	for _, c := range v.CompleteQ {
		if c.ConnFD() != fd {
			kept = append(kept, c)
		}
	}
	v.CompleteQ = kept

	for v.InFlightAck != nil && v.InFlightAck.ConnFD() == fd {
		v.inFlightCond.Wait()
	}
}

// SetInFlight marks cmd as the command the ack-sender is currently writing
// (or clears it with nil), waking anyone parked in PurgePending.
func (v *Info) SetInFlight(cmd CompletedCmd) {
	v.AckLock.Lock()
	v.InFlightAck = cmd
	if cmd == nil {
		v.inFlightCond.Broadcast()
	}
	v.AckLock.Unlock()
}

// Dequeue pops the oldest queued command, blocking on AckCond while the
// queue is empty and the ack-sender is still alive. Returns false once the
// ack-sender should exit (AckAlive cleared by SetAckAlive(false)).
func (v *Info) Dequeue() (CompletedCmd, bool) {
	v.AckLock.Lock()
	defer v.AckLock.Unlock()
	for len(v.CompleteQ) == 0 && v.AckAlive {
		v.AckWaiting = true
		v.AckCond.Wait()
		v.AckWaiting = false
	}
	if len(v.CompleteQ) == 0 {
		return nil, false
	}
	cmd := v.CompleteQ[0]
	v.CompleteQ = v.CompleteQ[1:]
	return cmd, true
}

// SetAckAlive flips whether an ack-sender is registered for this volume.
// Clearing it wakes any blocked Dequeue so the sender goroutine can exit.
func (v *Info) SetAckAlive(alive bool) {
	v.AckLock.Lock()
	v.AckAlive = alive
	if !alive {
		v.AckCond.Broadcast()
	}
	v.AckLock.Unlock()
}

// CheckpointNow persists RunningIoNum through the engine, then (and only
// then) advances CheckpointedIoNum -- the crash-safety ordering from §4.6:
// a crash between capture and persist must not advance the in-memory
// checkpoint past what disk reflects.
func (v *Info) CheckpointNow(persist func(n uint64) error, now time.Time) error {
	running := v.RunningIoNum()
	if err := persist(running); err != nil {
		return err
	}
	v.CheckpointedIoNum.Store(running)
	v.CheckpointedTime.Store(now.Unix())
	return nil
}
