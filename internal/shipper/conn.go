package shipper

import (
	"errors"
	"net"
	"os"
	"time"

	"hydromatic/internal/wire"
)

// pollWindow is how long a command poll waits for bytes.
const pollWindow = time.Millisecond

// lineConn is a collector connection with deadline-bounded line I/O.
type lineConn struct {
	conn net.Conn
	lr   *wire.LineReader
}

func newLineConn(conn net.Conn, maxLine int) *lineConn {
	return &lineConn{conn: conn, lr: wire.NewLineReader(conn, maxLine)}
}

// writeLine writes line in full or fails by the deadline.
func (c *lineConn) writeLine(line []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}

// readLine returns the next line, waiting until deadline.
func (c *lineConn) readLine(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return c.lr.ReadLine()
}

// poll returns a line if one is available right now. A nil line with a nil
// error means nothing arrived.
func (c *lineConn) poll() ([]byte, error) {
	line, err := c.readLine(time.Now().Add(pollWindow))
	if isTimeout(err) {
		return nil, nil
	}
	return line, err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
