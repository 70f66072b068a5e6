// Package ack implements the ack-sender: one goroutine per volume that
// drains its completion queue and writes each command's response back to
// whichever connection it actually originated on. A volume's completion
// queue is shared by its client-IO connection and any concurrent rebuild
// scanner connections, so routing is per-command (Cmd.Conn), not
// per-Sender -- only the originating fd purge (volume.Info.PurgePending)
// is connection-scoped.
package ack

import (
	"github.com/valyala/bytebufferpool"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// Sender drains Vol's completion queue for the volume's whole lifetime,
// started once when the volume is registered and stopped when it is
// removed (volume.Info.SetAckAlive(false)).
type Sender struct {
	Vol *volume.Info
}

// Run is the ack-sender goroutine body: registers itself as alive, drains
// until AckAlive clears, and unregisters on the way out.
func (s *Sender) Run() {
	s.Vol.SetAckAlive(true)
	defer s.Vol.SetAckAlive(false)

	for {
		item, ok := s.Vol.Dequeue()
		if !ok {
			return
		}
		cmd, ok := item.(*ioengine.Cmd)
		if !ok || cmd.Conn == nil {
			continue
		}
		s.Vol.SetInFlight(item)
		if err := send(cmd); err != nil {
			nlog.Warnf("ack: write failed for fd=%d: %v", cmd.ConnFD(), err)
		}
		s.Vol.SetInFlight(nil)
	}
}

// send coalesces the header and, for a successful READ, its payload into
// one pooled buffer so they go out in a single Write -- avoids a second
// syscall per ack on the hot completion path.
func send(cmd *ioengine.Cmd) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.Write(cmd.Header.Encode())
	if cmd.Header.Opcode == wire.OpRead && cmd.Header.Status == wire.StatusOK {
		payload := cmd.Buffer
		if uint64(len(payload)) > cmd.Header.Len {
			payload = payload[:cmd.Header.Len]
		}
		buf.Write(payload)
	}
	return wire.WriteExact(cmd.Conn, buf.Bytes())
}
