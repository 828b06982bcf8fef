package bus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// socketName is the per-kid wakeup socket inside the coordination directory.
func socketName(dir string, kid int) string {
	return filepath.Join(dir, fmt.Sprintf("cf-%d.sock", kid))
}

// wakeListener owns this worker's wakeup socket. Datagrams carry the sender
// kid as a single byte; their only job is rousing the drain loop, the real
// payload sits in the rings.
type wakeListener struct {
	conn *net.UnixConn
	path string
}

func listenWake(dir string, kid int) (*wakeListener, error) {
	path := socketName(dir, kid)
	// A stale socket from a crashed predecessor would block the bind.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("bus: remove stale socket %s: %w", path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("bus: listen %s: %w", path, err)
	}
	return &wakeListener{conn: conn, path: path}, nil
}

// next blocks until a wakeup arrives and returns the sender kid.
func (l *wakeListener) next() (int, error) {
	var buf [1]byte
	n, err := l.conn.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("bus: wakeup datagram of %d bytes", n)
	}
	return int(buf[0]), nil
}

func (l *wakeListener) close() error {
	err := l.conn.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// wake pings the target kid's socket. Failure is not an error worth
// propagating: the receiver drains all rings on its next wakeup anyway.
func wake(dir string, fromKid, toKid int) error {
	raddr := &net.UnixAddr{Name: socketName(dir, toKid), Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte{byte(fromKid)})
	return err
}
