package wire

import (
	"errors"
	"io"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// ErrInvalidVersion is returned by ReadHeader when the peer's first two
// bytes do not match ReplicaVersion. Callers must close the connection
// without consuming any further bytes.
var ErrInvalidVersion = errors.New("wire: invalid replica protocol version")

// ErrPeerClosed is returned by ReadExact when the peer closes the connection
// (a zero-byte read or io.EOF). Other errors, ECONNRESET included, are
// returned wrapped instead.
var ErrPeerClosed = errors.New("wire: connection closed by peer")

// ReadExact reads exactly len(buf) bytes from r, looping past transient
// interruptions. A zero-byte read (peer close) is reported as ErrPeerClosed;
// every other error is fatal to the connection.
func ReadExact(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if m > 0 {
			n += m
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return pkgerrors.Wrap(err, "wire: read failed")
		}
		if m == 0 {
			return ErrPeerClosed
		}
	}
	return nil
}

// WriteExact writes exactly len(buf) bytes to w, looping past transient
// interruptions.
func WriteExact(w io.Writer, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := w.Write(buf[n:])
		if m > 0 {
			n += m
		}
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return pkgerrors.Wrap(err, "wire: write failed")
		}
	}
	return nil
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// ReadHeader performs the two-phase version probe described in the spec:
// read the version field alone, validate it, then read the remainder of the
// header only if the version checks out. This guarantees a bad version
// never consumes bytes belonging to the rest of the frame.
func ReadHeader(r io.Reader, h *Header) error {
	buf := make([]byte, HeaderSize)
	if err := ReadExact(r, buf[:VersionSize]); err != nil {
		return err
	}
	version := uint16(buf[0]) | uint16(buf[1])<<8
	if version != ReplicaVersion {
		h.Version = version
		return ErrInvalidVersion
	}
	if err := ReadExact(r, buf[VersionSize:]); err != nil {
		return err
	}
	h.Decode(buf)
	return nil
}

// WriteHeader writes h in full.
func WriteHeader(w io.Writer, h *Header) error {
	return WriteExact(w, h.Encode())
}
