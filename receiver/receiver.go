// Package receiver implements the per-connection client I/O loop: the one
// concrete driver for ioengine.Worker on the data-plane listener. The
// distilled contract treats this role as external and interface-only; this
// package is the runnable loop a real acceptor hands connections to.
package receiver

import (
	"context"
	"errors"
	"os"

	pkgerrors "github.com/pkg/errors"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// ErrUnopened is returned when a non-OPEN opcode arrives before the
// connection has bound to a volume.
var ErrUnopened = pkgerrors.New("receiver: opcode received before OPEN")

// ErrReopen is returned on a second OPEN on an already-bound connection.
var ErrReopen = pkgerrors.New("receiver: second OPEN on already-open connection")

// Lookup resolves a volume by the name carried in an OPEN payload.
type Lookup func(name string) (*volume.Info, bool)

// Serve runs the receiver loop on conn until the peer closes the
// connection or a protocol error occurs: read a header, on first contact
// require OPEN (a NUL-terminated volume name payload) to bind the target
// volume, then allocate a Cmd per subsequent request and run it inline
// through w. On return Serve has purged any commands still queued for
// conn's fd; the caller is responsible for closing conn.
func Serve(ctx context.Context, conn *os.File, lookup Lookup, w ioengine.Worker) {
	var vol *volume.Info

	defer func() {
		if vol != nil {
			vol.PurgePending(conn.Fd())
		}
	}()

	for {
		var hdr wire.Header
		if err := wire.ReadHeader(conn, &hdr); err != nil {
			if !errors.Is(err, wire.ErrPeerClosed) {
				nlog.Warnf("receiver: read_header fd=%d: %v", conn.Fd(), err)
			}
			return
		}

		if hdr.Opcode == wire.OpOpen {
			if err := serveOpen(conn, &hdr, lookup, &vol); err != nil {
				nlog.Warnf("receiver: OPEN fd=%d: %v", conn.Fd(), err)
				return
			}
			continue
		}

		if vol == nil {
			nlog.Warnf("receiver: %v", ErrUnopened)
			return
		}

		cmd := ioengine.NewCmd(hdr, conn)
		if cmd.Buffer != nil {
			if err := wire.ReadExact(conn, cmd.Buffer); err != nil {
				nlog.Warnf("receiver: payload read fd=%d: %v", conn.Fd(), err)
				return
			}
		}
		cmd.Volume = vol
		vol.TakeRef()
		w.Run(ctx, cmd)
	}
}

func serveOpen(conn *os.File, hdr *wire.Header, lookup Lookup, vol **volume.Info) error {
	name := make([]byte, hdr.Len)
	if err := wire.ReadExact(conn, name); err != nil {
		return err
	}
	if *vol != nil {
		return ErrReopen
	}
	nm := trimNUL(name)
	v, ok := lookup(nm)
	if !ok {
		return pkgerrors.Errorf("receiver: volume %q not found", nm)
	}
	*vol = v
	return nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
