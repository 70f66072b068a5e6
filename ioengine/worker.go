package ioengine

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// Worker executes exactly one Cmd against a store.Engine, inline on the
// calling goroutine (receiver, downstream driver, or scanner) -- there is
// no worker pool. Per-connection serialization is what preserves request
// ordering on that connection.
type Worker struct {
	// Stats, if set, gets the per-opcode counters this worker touches.
	// Left nil in tests that don't care about metrics.
	Stats *stats.Stats
}

// Run is idempotent with respect to refcount release: it always drops
// exactly one reference on cmd.Volume, on every exit path.
func (w Worker) Run(ctx context.Context, cmd *Cmd) {
	v := cmd.Volume
	defer v.DropRef()

	hdr := &cmd.Header
	rebuildReq := hdr.Flags.Has(wire.FlagRebuild)

	if v.IsOffline() {
		hdr.Status = wire.StatusFailed
		hdr.Len = 0
		w.countFailure(hdr.Opcode)
		deliver(v, cmd, rebuildReq)
		return
	}

	var err error
	switch hdr.Opcode {
	case wire.OpRead:
		withMetadata := !v.IsHealthy() || rebuildReq || hdr.Flags.Has(wire.FlagReadMetadata)
		var md []store.Metadata
		md, err = v.Zv.ReadAt(ctx, cmd.Buffer, hdr.Offset, withMetadata)
		cmd.Metadata = md
		if err == nil && w.Stats != nil {
			w.Stats.ReadOps.Inc()
		}
	case wire.OpWrite:
		err = submitWrites(ctx, v, cmd)
		if err == nil && w.Stats != nil {
			w.Stats.WriteOps.Inc()
		}
	case wire.OpSync:
		err = v.Zv.Flush(ctx)
		if err == nil && w.Stats != nil {
			w.Stats.SyncOps.Inc()
		}
	case wire.OpRebuildStepDone:
		// Synthetic barrier command: no block-store action.
	default:
		err = fmt.Errorf("ioengine: unexpected opcode %s", hdr.Opcode)
	}

	if err != nil {
		nlog.Warnf("worker: op %s failed: %v", hdr.Opcode, err)
		hdr.Status = wire.StatusFailed
		hdr.Len = 0
		w.countFailure(hdr.Opcode)
	} else {
		hdr.Status = wire.StatusOK
	}

	deliver(v, cmd, rebuildReq)
}

func (w Worker) countFailure(op wire.Opcode) {
	if w.Stats != nil {
		w.Stats.Failures.WithLabelValues(op.String()).Inc()
	}
}

// deliver applies the ack-suppression rule (no IoCmd with
// opcode=WRITE && flags&REBUILD is ever enqueued) and otherwise hands the
// command to the completion queue.
func deliver(v *volume.Info, cmd *Cmd, rebuildReq bool) {
	if rebuildReq && cmd.Header.Opcode == wire.OpWrite {
		return
	}
	v.Enqueue(cmd)
}

// submitWrites applies the (SubHeader, data) chunk sequence that makes up
// a WRITE payload, advancing RunningIoNum by CAS to the max sub-header
// io_num seen. A short or truncated payload is a protocol error failing
// the entire command.
func submitWrites(ctx context.Context, v *volume.Info, cmd *Cmd) error {
	isRebuild := cmd.Header.Flags.Has(wire.FlagRebuild)
	data := cmd.Buffer
	offset := cmd.Header.Offset

	for len(data) > 0 {
		if len(data) < wire.SubHeaderSize {
			return pkgerrors.New("ioengine: truncated write sub-header")
		}
		var sub wire.SubHeader
		sub.Decode(data[:wire.SubHeaderSize])
		data = data[wire.SubHeaderSize:]
		if uint64(len(data)) < sub.Len {
			return pkgerrors.New("ioengine: truncated write payload")
		}
		chunk := data[:sub.Len]

		if err := v.Zv.WriteAt(ctx, chunk, offset, store.Metadata{IoNum: sub.IoNum}, isRebuild); err != nil {
			return pkgerrors.Wrap(err, "ioengine: write failed")
		}
		v.AdvanceRunningIoNum(sub.IoNum)

		data = data[sub.Len:]
		offset += sub.Len
	}
	return nil
}
