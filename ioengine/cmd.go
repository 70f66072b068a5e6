// Package ioengine implements the I/O command lifecycle: the Cmd object
// that threads a request through the pipeline, and the Worker that
// executes it against a store.Engine.
package ioengine

import (
	"os"

	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

// Cmd is one in-flight request: header, optional payload buffer, the
// connection it arrived on (or must be acked to), and the volume it
// targets. It is owned by exactly one component at a time: receiver ->
// worker -> completion queue -> ack-sender -> freed.
type Cmd struct {
	Header   wire.Header
	Buffer   []byte // present iff Header.Opcode.HasBuffer()
	Conn     *os.File
	Volume   *volume.Info
	Metadata []store.Metadata
}

// NewCmd allocates a Cmd for hdr, sizing Buffer when the opcode carries one.
func NewCmd(hdr wire.Header, conn *os.File) *Cmd {
	c := &Cmd{Header: hdr, Conn: conn}
	if hdr.Opcode.HasBuffer() {
		c.Buffer = make([]byte, hdr.Len)
	}
	return c
}

// ConnFD implements volume.CompletedCmd so the completion queue and
// PurgePending can identify commands by originating connection without
// ioengine depending back on a concrete transport type.
func (c *Cmd) ConnFD() uintptr {
	if c.Conn == nil {
		return 0
	}
	return c.Conn.Fd()
}
