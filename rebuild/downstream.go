// Package rebuild implements both ends of the peer-to-peer rebuild
// protocol: the downstream driver that pulls missing data from a healthy
// peer, and the scanner that serves that pull on the side holding the data.
package rebuild

import (
	"context"
	"fmt"
	"net"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"
	"golang.org/x/sys/unix"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// DefaultStepSize is the amount of address space requested per
// REBUILD_STEP round trip.
const DefaultStepSize = 10 << 30 // 10GiB

// Downstream pulls a volume's missing data from one upstream peer.
type Downstream struct {
	PeerAddr string
	StepSize uint64
	Vol      *volume.Info
	Name     string

	// Stats, if set, gets the session's in-flight gauge and failure
	// counter. Left nil in tests that don't care about metrics.
	Stats *stats.Stats

	// OnHealthy, if set, is called once this volume's rebuild fan-out
	// completes clean and it is promoted to HEALTHY -- the call site
	// that kicks the checkpoint timer (interval 0 meaning "just wake
	// up") so a freshly-healthy volume isn't left waiting out its old
	// interval before its first checkpoint.
	OnHealthy func(*volume.Info)
}

// Run drives CONNECT -> HANDSHAKE_SENT -> STEP_LOOP <-> AWAIT_CHUNKS ->
// {COMPLETE_SENT -> exit ok, exit err}, updating Vol's rebuild counters and
// promoting it to HEALTHY when every concurrent session for it finishes
// clean.
func (d *Downstream) Run(ctx context.Context, persistedIoNum uint64) error {
	stepSize := d.StepSize
	if stepSize == 0 {
		stepSize = DefaultStepSize
	}

	sid, err := shortid.Generate()
	if err != nil {
		sid = "unknown"
	}
	nlog.Infof("rebuild: session=%s starting downstream pull for %s from %s", sid, d.Name, d.PeerAddr)

	if d.Stats != nil {
		d.Stats.RebuildSessions.WithLabelValues(d.Name).Inc()
		defer d.Stats.RebuildSessions.WithLabelValues(d.Name).Dec()
	}

	conn, err := d.connect()
	if err != nil {
		d.finish(err)
		return err
	}
	defer conn.Close()

	if err := d.handshake(conn); err != nil {
		d.finish(err)
		return err
	}

	seen := cuckoo.NewFilter(1024)
	w := ioengine.Worker{Stats: d.Stats}
	offset := uint64(0)
	size := d.Vol.Zv.Size()

	for {
		if d.Vol.RebuildState() == volume.RebuildErrored {
			err := fmt.Errorf("rebuild: session for %s already errored", d.Name)
			d.finish(err)
			return err
		}

		if offset >= size {
			d.sendComplete(conn)
			d.finish(nil)
			nlog.Infof("rebuild: session=%s completed for %s", sid, d.Name)
			return nil
		}

		stepLen := stepSize
		if offset+stepLen > size {
			stepLen = size - offset
		}
		stepHdr := wire.Header{
			Version:           wire.ReplicaVersion,
			Opcode:            wire.OpRebuildStep,
			Status:            wire.StatusOK,
			CheckpointedIoSeq: persistedIoNum,
			Offset:            offset,
			Len:               stepLen,
		}
		if err := wire.WriteHeader(conn, &stepHdr); err != nil {
			d.finish(err)
			return err
		}

		advanced, err := d.awaitChunks(ctx, conn, w, seen, offset)
		if err != nil {
			d.finish(err)
			return err
		}
		if advanced {
			offset += stepLen
		}
	}
}

// awaitChunks reads the peer's responses to one REBUILD_STEP until
// REBUILD_STEP_DONE arrives. Each READ-flagged-REBUILD response becomes a
// synthetic WRITE run through the same Worker client I/O uses.
func (d *Downstream) awaitChunks(ctx context.Context, conn net.Conn, w ioengine.Worker, seen *cuckoo.Filter, stepOffset uint64) (bool, error) {
	stepKey := stepKeyBytes(stepOffset)

	for {
		var hdr wire.Header
		if err := wire.ReadHeader(conn, &hdr); err != nil {
			return false, err
		}
		if hdr.Status != wire.StatusOK {
			return false, fmt.Errorf("rebuild: peer returned error status for %s", d.Name)
		}

		if hdr.Opcode == wire.OpRebuildStepDone {
			if seen.Lookup(stepKey) {
				// STEP_DONE carries no offset, so it is always attributed to
				// the step being awaited; the advance is skipped only when
				// this step's offset is already recorded in the filter.
				return false, nil
			}
			seen.InsertUnique(stepKey)
			return true, nil
		}

		if hdr.Opcode != wire.OpRead || !hdr.Flags.Has(wire.FlagRebuild) {
			return false, fmt.Errorf("rebuild: unexpected opcode %s from peer", hdr.Opcode)
		}

		raw := make([]byte, hdr.Len)
		if err := wire.ReadExact(conn, raw); err != nil {
			return false, err
		}

		// Worker.submitWrites always expects (SubHeader, data) chunks, so a
		// rebuild-sourced write carries its one chunk wrapped the same way,
		// tagged with the io_num the peer reported in IoSeq.
		sub := wire.SubHeader{IoNum: hdr.IoSeq, Len: hdr.Len}
		writeHdr := hdr
		writeHdr.Opcode = wire.OpWrite
		writeHdr.Len = wire.SubHeaderSize + hdr.Len
		cmd := ioengine.NewCmd(writeHdr, nil)
		copy(cmd.Buffer, sub.Encode())
		copy(cmd.Buffer[wire.SubHeaderSize:], raw)

		cmd.Volume = d.Vol
		d.Vol.TakeRef()
		w.Run(ctx, cmd)
		if cmd.Header.Status != wire.StatusOK {
			return false, fmt.Errorf("rebuild: write failed applying chunk for %s", d.Name)
		}
	}
}

func (d *Downstream) connect() (net.Conn, error) {
	conn, err := net.Dial("tcp", d.PeerAddr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	f, err := tcpConn.File()
	if err != nil {
		return conn, nil
	}
	defer f.Close()
	if err := unix.SetsockoptLinger(int(f.Fd()), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
		nlog.Warnf("rebuild: SO_LINGER on downstream socket failed: %v", err)
	}
	return conn, nil
}

func (d *Downstream) handshake(conn net.Conn) error {
	name := append([]byte(d.Name), 0)
	hdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpHandshake, Status: wire.StatusOK, Len: uint64(len(name))}
	if err := wire.WriteHeader(conn, &hdr); err != nil {
		return err
	}
	return wire.WriteExact(conn, name)
}

// sendComplete writes REBUILD_COMPLETE. Per the spec's resolved open
// question, a write failure here still counts as a successful rebuild:
// the peer already has every byte, only the notification was lost.
func (d *Downstream) sendComplete(conn net.Conn) {
	hdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpRebuildComplete, Status: wire.StatusOK}
	if err := wire.WriteHeader(conn, &hdr); err != nil {
		nlog.Warnf("rebuild: REBUILD_COMPLETE write failed for %s, counting as success: %v", d.Name, err)
	}
}

// finish updates the volume's rebuild bookkeeping under RebuildMtx and
// promotes it to HEALTHY once every concurrent downstream session for it
// has finished without error.
func (d *Downstream) finish(sessionErr error) {
	v := d.Vol
	v.RebuildMtx.Lock()
	defer v.RebuildMtx.Unlock()

	if sessionErr != nil {
		v.SetRebuildState(volume.RebuildErrored)
		v.RebuildInfo.FailedCnt++
		if d.Stats != nil {
			d.Stats.RebuildFailures.WithLabelValues(d.Name).Inc()
		}
	}
	v.RebuildInfo.DoneCnt++

	if v.RebuildInfo.DoneCnt == v.RebuildInfo.Cnt {
		if v.RebuildInfo.FailedCnt != 0 {
			v.SetRebuildState(volume.RebuildFailed)
		} else {
			v.SetRebuildState(volume.RebuildDone)
			v.SetState(volume.StateHealthy)
			if d.OnHealthy != nil {
				d.OnHealthy(v)
			}
		}
	}
}

func stepKeyBytes(offset uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(offset >> (8 * i))
	}
	return buf
}
