package rebuild

import (
	"context"
	"errors"
	"os"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// ErrSecondHandshake is a hard protocol error: a rebuild connection may
// bind to exactly one volume for its lifetime.
var ErrSecondHandshake = pkgerrors.New("rebuild: second HANDSHAKE on same connection")

// Scanner serves one peer's pull session: handshake, then any number of
// REBUILD_STEP requests walked against the backing store's metadata diff.
type Scanner struct {
	Lookup func(name string) (*volume.Info, bool)
	Stats  *stats.Stats
}

// Serve runs the scanner loop on conn until the peer sends
// REBUILD_COMPLETE or the connection drops. The caller owns closing conn.
func (s *Scanner) Serve(ctx context.Context, conn *os.File) {
	setLinger(conn)

	var vol *volume.Info
	w := ioengine.Worker{Stats: s.Stats}

	defer func() {
		if vol != nil {
			vol.PurgePending(conn.Fd())
			vol.DropRef()
		}
	}()

	for {
		var hdr wire.Header
		if err := wire.ReadHeader(conn, &hdr); err != nil {
			if !errors.Is(err, wire.ErrPeerClosed) {
				nlog.Warnf("rebuild: scanner read_header fd=%d: %v", conn.Fd(), err)
			}
			return
		}
		if vol != nil && vol.IsOffline() {
			return
		}

		if hdr.Opcode != wire.OpHandshake && vol == nil {
			nlog.Warnf("rebuild: scanner expected HANDSHAKE, got %s", hdr.Opcode)
			return
		}

		switch hdr.Opcode {
		case wire.OpHandshake:
			name := make([]byte, hdr.Len)
			if err := wire.ReadExact(conn, name); err != nil {
				nlog.Warnf("rebuild: scanner handshake read fd=%d: %v", conn.Fd(), err)
				return
			}
			if vol != nil {
				nlog.Warnf("rebuild: %v", ErrSecondHandshake)
				return
			}
			v, ok := s.Lookup(trimNULBytes(name))
			if !ok {
				nlog.Warnf("rebuild: scanner volume %q not found", trimNULBytes(name))
				return
			}
			v.TakeRef()
			vol = v

		case wire.OpRebuildStep:
			if err := s.serveStep(ctx, conn, vol, &hdr, w); err != nil {
				nlog.Warnf("rebuild: scanner step failed for %s: %v", vol.Name, err)
				return
			}

		case wire.OpRebuildComplete:
			nlog.Infof("rebuild: scanner finished serving %s", vol.Name)
			return

		default:
			nlog.Warnf("rebuild: scanner unexpected opcode %s", hdr.Opcode)
			return
		}
	}
}

// serveStep walks the requested diff range and submits one synthetic READ
// per changed region through the worker, followed by a REBUILD_STEP_DONE
// barrier command. Every one of these lands in vol's completion queue
// tagged with conn, same as ordinary client I/O; the volume's ack-sender
// writes them back to the peer in FIFO order, so STEP_DONE is guaranteed
// to follow every region's READ response.
func (s *Scanner) serveStep(ctx context.Context, conn *os.File, vol *volume.Info, hdr *wire.Header, w ioengine.Worker) error {
	regions, err := vol.Zv.DiffSince(ctx, hdr.CheckpointedIoSeq, hdr.Offset, hdr.Len)
	if err != nil {
		return err
	}

	for _, r := range regions {
		readHdr := wire.Header{
			Version: wire.ReplicaVersion,
			Opcode:  wire.OpRead,
			Status:  wire.StatusOK,
			IoSeq:   r.IoNum,
			Offset:  r.Offset,
			Len:     r.Len,
			Flags:   wire.FlagRebuild,
		}
		cmd := ioengine.NewCmd(readHdr, conn)
		cmd.Volume = vol
		vol.TakeRef()
		w.Run(ctx, cmd)
		if cmd.Header.Status != wire.StatusOK {
			return pkgerrors.Errorf("read failed for region offset=%d len=%d", r.Offset, r.Len)
		}
	}

	doneHdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpRebuildStepDone, Status: wire.StatusOK}
	doneCmd := ioengine.NewCmd(doneHdr, conn)
	doneCmd.Volume = vol
	vol.TakeRef()
	w.Run(ctx, doneCmd)
	return nil
}

func setLinger(conn *os.File) {
	if err := unix.SetsockoptLinger(int(conn.Fd()), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
		nlog.Warnf("rebuild: SO_LINGER on scanner socket failed: %v", err)
	}
}

func trimNULBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
