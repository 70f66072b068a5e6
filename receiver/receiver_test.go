package receiver

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
	"github.com/cloudbyte/zrepl-core/wire"
)

func pipeFiles(t *testing.T) (client, server *os.File) {
	t.Helper()
	c1, c2, err := socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return c1, c2
}

// socketpair uses a loopback TCP connection since the standard library has
// no portable unix socketpair wrapper outside golang.org/x/sys/unix, and
// Serve only needs something that behaves like a *os.File-backed stream.
func socketpair() (*os.File, *os.File, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	<-accepted

	cf, err := client.(*net.TCPConn).File()
	if err != nil {
		return nil, nil, err
	}
	sf, err := server.(*net.TCPConn).File()
	if err != nil {
		return nil, nil, err
	}
	return cf, sf, nil
}

func newVolume(t *testing.T) *volume.Info {
	t.Helper()
	eng, err := store.NewMemEngine("v", 1<<20, ":memory:")
	if err != nil {
		t.Fatalf("NewMemEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	v := volume.New("v", eng)
	v.SetState(volume.StateHealthy)
	v.SetAckAlive(true)
	return v
}

func TestServeOpenThenWrite(t *testing.T) {
	client, server := pipeFiles(t)
	defer client.Close()
	defer server.Close()

	v := newVolume(t)
	lookup := func(name string) (*volume.Info, bool) {
		if name == "v" {
			return v, true
		}
		return nil, false
	}

	done := make(chan struct{})
	go func() {
		Serve(context.Background(), server, lookup, ioengine.Worker{})
		close(done)
	}()

	openHdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpOpen, Len: 2}
	if err := wire.WriteHeader(client, &openHdr); err != nil {
		t.Fatalf("write open header: %v", err)
	}
	if err := wire.WriteExact(client, []byte("v\x00")); err != nil {
		t.Fatalf("write open payload: %v", err)
	}

	sub := wire.SubHeader{IoNum: 1, Len: 4}
	payload := append(sub.Encode(), []byte("data")...)
	wHdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpWrite, Len: uint64(len(payload))}
	if err := wire.WriteHeader(client, &wHdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := wire.WriteExact(client, payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not exit after client close")
	}

	if v.RunningIoNum() != 1 {
		t.Fatalf("expected write to have applied, running ionum=%d", v.RunningIoNum())
	}
}

// TestServePurgesPendingOnTeardown covers the teardown race: once the
// peer closes the connection, Serve must drain any completion still
// queued for its fd instead of leaking it in CompleteQ forever.
func TestServePurgesPendingOnTeardown(t *testing.T) {
	client, server := pipeFiles(t)
	defer client.Close()
	defer server.Close()

	v := newVolume(t)
	lookup := func(string) (*volume.Info, bool) { return v, true }

	v.AckLock.Lock()
	v.CompleteQ = append(v.CompleteQ, ioengine.NewCmd(wire.Header{}, server))
	v.AckLock.Unlock()

	done := make(chan struct{})
	go func() {
		Serve(context.Background(), server, lookup, ioengine.Worker{})
		close(done)
	}()

	openHdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpOpen, Len: 2}
	if err := wire.WriteHeader(client, &openHdr); err != nil {
		t.Fatalf("write open header: %v", err)
	}
	if err := wire.WriteExact(client, []byte("v\x00")); err != nil {
		t.Fatalf("write open payload: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not exit after client close")
	}

	v.AckLock.Lock()
	defer v.AckLock.Unlock()
	for _, c := range v.CompleteQ {
		if c.ConnFD() == server.Fd() {
			t.Fatalf("Serve left a completion queued for the torn-down connection's fd")
		}
	}
}

func TestServeRejectsOpcodeBeforeOpen(t *testing.T) {
	client, server := pipeFiles(t)
	defer client.Close()
	defer server.Close()

	v := newVolume(t)
	lookup := func(string) (*volume.Info, bool) { return v, true }

	done := make(chan struct{})
	go func() {
		Serve(context.Background(), server, lookup, ioengine.Worker{})
		close(done)
	}()

	hdr := wire.Header{Version: wire.ReplicaVersion, Opcode: wire.OpSync}
	if err := wire.WriteHeader(client, &hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not exit on unopened SYNC")
	}
}
