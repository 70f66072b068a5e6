// Package acceptor implements the dual-listener connection acceptor
// (C8): one epoll instance watching the client-IO and rebuild-peer
// listening sockets, accepting connections and handing them to the
// receiver or scanner loop.
package acceptor

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cloudbyte/zrepl-core/internal/nlog"
)

// ErrListenerLost is returned by Run when a watched listener reports an
// error event and SoftenFaults is false (the source's exit(1) default).
var ErrListenerLost = errors.New("acceptor: listener lost")

const maxEvents = 64

// Acceptor owns the two listening sockets and the epoll loop that
// multiplexes accepts between them.
type Acceptor struct {
	IOAddr      string
	RebuildAddr string

	// SoftenFaults, when false (the source default), makes any listener
	// error fatal to the whole acceptor -- "listener gone => service
	// gone". When true, a broken listener is dropped and the other one
	// keeps serving.
	SoftenFaults bool

	OnIOConn      func(conn *os.File)
	OnRebuildConn func(conn *os.File)
}

// Run binds both listeners, registers them with epoll, and services
// accept events until ctx is done or a fatal listener error occurs.
func (a *Acceptor) Run(ctx context.Context) error {
	ioLn, err := net.Listen("tcp", a.IOAddr)
	if err != nil {
		return err
	}
	defer ioLn.Close()
	rebuildLn, err := net.Listen("tcp", a.RebuildAddr)
	if err != nil {
		return err
	}
	defer rebuildLn.Close()

	ioFile, err := listenerFile(ioLn)
	if err != nil {
		return err
	}
	defer ioFile.Close()
	rebuildFile, err := listenerFile(rebuildLn)
	if err != nil {
		return err
	}
	defer rebuildFile.Close()

	ioFd := int(ioFile.Fd())
	rebuildFd := int(rebuildFile.Fd())

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return err
	}
	defer unix.Close(epfd)

	watchFlags := uint32(unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, ioFd, &unix.EpollEvent{Events: watchFlags, Fd: int32(ioFd)}); err != nil {
		return err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, rebuildFd, &unix.EpollEvent{Events: watchFlags, Fd: int32(rebuildFd)}); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, maxEvents)
	live := map[int32]net.Listener{int32(ioFd): ioLn, int32(rebuildFd): rebuildLn}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Events&^uint32(unix.EPOLLIN) != 0 {
				nlog.Errorf("acceptor: listener fd=%d reported an error event", ev.Fd)
				delete(live, ev.Fd)
				_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, int(ev.Fd), nil)
				if !a.SoftenFaults {
					return ErrListenerLost
				}
				if len(live) == 0 {
					nlog.Errorln("acceptor: both listeners lost")
					return ErrListenerLost
				}
				continue
			}

			ln, ok := live[ev.Fd]
			if !ok {
				continue
			}
			conn, err := ln.Accept()
			if err != nil {
				nlog.Warnf("acceptor: accept failed: %v", err)
				continue
			}
			f, err := connFile(conn)
			if err != nil {
				nlog.Warnf("acceptor: could not obtain raw fd: %v", err)
				conn.Close()
				continue
			}
			conn.Close()

			if ev.Fd == int32(ioFd) {
				go a.OnIOConn(f)
			} else {
				go a.OnRebuildConn(f)
			}
		}
	}
}

// listenerFile dup's the listener's fd into a blocking *os.File for epoll
// registration. The caller must keep it open (and close it) for as long
// as the fd is registered -- letting it get GC'd would close the fd out
// from under epoll.
func listenerFile(ln net.Listener) (*os.File, error) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, os.ErrInvalid
	}
	return tcpLn.File()
}

func connFile(conn net.Conn) (*os.File, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, os.ErrInvalid
	}
	return tcpConn.File()
}
