package e2e

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cloudbyte/zrepl-core/ack"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/rebuild"
	"github.com/cloudbyte/zrepl-core/receiver"
	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

func newVolume(name string, size uint64) *volume.Info {
	eng, err := store.NewMemEngine(name, size, ":memory:")
	Expect(err).NotTo(HaveOccurred())
	v := volume.New(name, eng)
	v.SetState(volume.StateHealthy)
	return v
}

func toFile(conn net.Conn) *os.File {
	f, err := conn.(*net.TCPConn).File()
	Expect(err).NotTo(HaveOccurred())
	return f
}

var _ = Describe("happy WRITE/READ", func() {
	It("round-trips a written payload back with its io_num in metadata", func() {
		v := newVolume("v1", 1<<20)
		v.SetAckAlive(true)
		defer v.SetAckAlive(false)
		ctx := context.Background()
		w := ioengine.Worker{}

		data := bytes.Repeat([]byte{0xAB}, 4096)
		sub := wire.SubHeader{IoNum: 7, Len: uint64(len(data))}
		payload := append(sub.Encode(), data...)

		wcmd := ioengine.NewCmd(wire.Header{
			Version: wire.ReplicaVersion, Opcode: wire.OpWrite,
			Offset: 0, Len: uint64(len(payload)),
		}, nil)
		wcmd.Buffer = payload
		wcmd.Volume = v
		v.TakeRef()
		w.Run(ctx, wcmd)
		Expect(wcmd.Header.Status).To(Equal(wire.StatusOK))

		rcmd := ioengine.NewCmd(wire.Header{
			Version: wire.ReplicaVersion, Opcode: wire.OpRead,
			Offset: 0, Len: uint64(len(data)), Flags: wire.FlagReadMetadata,
		}, nil)
		rcmd.Volume = v
		v.TakeRef()
		w.Run(ctx, rcmd)

		Expect(rcmd.Header.Status).To(Equal(wire.StatusOK))
		Expect(rcmd.Buffer).To(Equal(data))
		Expect(rcmd.Metadata).NotTo(BeEmpty())
		Expect(rcmd.Metadata[len(rcmd.Metadata)-1].IoNum).To(BeNumerically(">=", uint64(7)))
	})
})

var _ = Describe("bad version handshake", func() {
	It("closes the connection without writing a response", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		lookup := func(string) (*volume.Info, bool) { return nil, false }
		serveDone := make(chan struct{})
		go func() {
			defer close(serveDone)
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f := toFile(conn)
			conn.Close()
			defer f.Close()
			receiver.Serve(context.Background(), f, lookup, ioengine.Worker{})
		}()

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer client.Close()

		raw := make([]byte, wire.HeaderSize)
		binary.LittleEndian.PutUint16(raw[0:2], 0xFFFF)
		_, err = client.Write(raw)
		Expect(err).NotTo(HaveOccurred())

		Eventually(serveDone, time.Second).Should(BeClosed())

		client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		_, err = client.Read(buf)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("OFFLINE volume", func() {
	It("answers SYNC with FAILED instead of running the op", func() {
		v := newVolume("v2", 4096)
		v.SetState(volume.StateOffline)
		v.SetAckAlive(true)
		defer v.SetAckAlive(false)

		cmd := ioengine.NewCmd(wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpSync}, nil)
		cmd.Volume = v
		v.TakeRef()
		ioengine.Worker{}.Run(context.Background(), cmd)

		Expect(cmd.Header.Status).To(Equal(wire.StatusFailed))
		Expect(cmd.Header.Len).To(BeZero())
	})
})

var _ = Describe("rebuild range", func() {
	It("diffs exactly the regions past the checkpoint, in offset order", func() {
		const volSize = 10 << 30
		srcEng, err := store.NewMemEngine("src", volSize, ":memory:")
		Expect(err).NotTo(HaveOccurred())
		ctx := context.Background()
		Expect(srcEng.WriteAt(ctx, []byte{1}, 0, store.Metadata{IoNum: 3}, false)).To(Succeed())
		Expect(srcEng.WriteAt(ctx, []byte{1}, 1<<30, store.Metadata{IoNum: 4}, false)).To(Succeed())
		Expect(srcEng.WriteAt(ctx, []byte{1}, 9<<30, store.Metadata{IoNum: 5}, false)).To(Succeed())

		regions, err := srcEng.DiffSince(ctx, 3, 0, volSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(regions).To(HaveLen(2))
		Expect(regions[0].Offset).To(BeEquivalentTo(1 << 30))
		Expect(regions[1].Offset).To(BeEquivalentTo(9 << 30))
	})
})

var _ = Describe("rebuild completion promotes health", func() {
	It("flips to HEALTHY only once every concurrent session finishes", func() {
		srcEng, err := store.NewMemEngine("src", 4096, ":memory:")
		Expect(err).NotTo(HaveOccurred())
		dstEng, err := store.NewMemEngine("dst", 4096, ":memory:")
		Expect(err).NotTo(HaveOccurred())

		srcVol := volume.New("v", srcEng)
		srcVol.SetState(volume.StateHealthy)
		srcSender := &ack.Sender{Vol: srcVol}
		go srcSender.Run()
		defer srcVol.SetAckAlive(false)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		scanner := &rebuild.Scanner{Lookup: func(n string) (*volume.Info, bool) {
			if n == "v" {
				return srcVol, true
			}
			return nil, false
		}}
		go func() {
			for i := 0; i < 2; i++ {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				f := toFile(conn)
				conn.Close()
				go func(f *os.File) {
					defer f.Close()
					scanner.Serve(context.Background(), f)
				}(f)
			}
		}()

		dstVol := volume.New("v", dstEng)
		dstVol.SetState(volume.StateRebuilding)
		dstVol.RebuildInfo.Cnt = 2

		var kicked *volume.Info
		onHealthy := func(hv *volume.Info) { kicked = hv }

		d1 := &rebuild.Downstream{PeerAddr: ln.Addr().String(), StepSize: 4096, Vol: dstVol, Name: "v", OnHealthy: onHealthy}
		d2 := &rebuild.Downstream{PeerAddr: ln.Addr().String(), StepSize: 4096, Vol: dstVol, Name: "v", OnHealthy: onHealthy}

		Expect(d1.Run(context.Background(), 0)).To(Succeed())
		Expect(dstVol.State()).NotTo(Equal(volume.StateHealthy))
		Expect(kicked).To(BeNil())

		Expect(d2.Run(context.Background(), 0)).To(Succeed())
		Expect(dstVol.State()).To(Equal(volume.StateHealthy))
		Expect(dstVol.RebuildState()).To(Equal(volume.RebuildDone))
		Expect(kicked).To(BeIdenticalTo(dstVol))
	})
})

var _ = Describe("teardown race", func() {
	It("drains every completion tagged with the closed fd from the queue", func() {
		v := newVolume("v3", 4096)
		v.SetAckAlive(true)

		f, err := os.CreateTemp("", "teardown-race")
		Expect(err).NotTo(HaveOccurred())
		defer os.Remove(f.Name())
		fd := f.Fd()

		for i := 0; i < 100; i++ {
			cmd := ioengine.NewCmd(wire.Header{Opcode: wire.OpSync, Status: wire.StatusOK}, f)
			v.AckLock.Lock()
			v.CompleteQ = append(v.CompleteQ, cmd)
			v.AckLock.Unlock()
		}
		f.Close()

		v.PurgePending(fd)

		v.AckLock.Lock()
		remaining := len(v.CompleteQ)
		v.AckLock.Unlock()
		Expect(remaining).To(BeZero())

		v.SetAckAlive(false)
	})

	It("receiver.Serve purges a client connection's queue on teardown", func() {
		v := newVolume("v4", 4096)
		v.SetAckAlive(true)
		defer v.SetAckAlive(false)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		lookup := func(n string) (*volume.Info, bool) {
			if n == "v4" {
				return v, true
			}
			return nil, false
		}

		serveDone := make(chan struct{})
		var serverFd uintptr
		go func() {
			defer close(serveDone)
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f := toFile(conn)
			conn.Close()
			serverFd = f.Fd()

			v.AckLock.Lock()
			v.CompleteQ = append(v.CompleteQ, ioengine.NewCmd(wire.Header{}, f))
			v.AckLock.Unlock()

			defer f.Close()
			receiver.Serve(context.Background(), f, lookup, ioengine.Worker{})
		}()

		client, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).NotTo(HaveOccurred())

		openHdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpOpen, Len: 3}
		Expect(wire.WriteHeader(client, &openHdr)).To(Succeed())
		Expect(wire.WriteExact(client, []byte("v4\x00"))).To(Succeed())

		time.Sleep(50 * time.Millisecond)
		client.Close()

		Eventually(serveDone, 2*time.Second).Should(BeClosed())

		v.AckLock.Lock()
		defer v.AckLock.Unlock()
		for _, c := range v.CompleteQ {
			Expect(c.ConnFD()).NotTo(Equal(serverFd))
		}
	})
})
