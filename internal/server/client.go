package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mavdeev/chatline/internal/protocol"
)

// maxLineBytes caps one framed line. A peer streaming bytes without a
// newline is cut off instead of growing the read buffer without bound.
const maxLineBytes = 64 * 1024

var errLineTooLong = errors.New("line exceeds maximum length")

// Client wraps one accepted connection with line framing and a serialised
// writer. The reader is owned exclusively by the dispatch goroutine; the
// writer is shared with the fan-out engine and guarded by writeMu.
type Client struct {
	id          int64
	conn        net.Conn
	reader      *bufio.Reader
	writeMu     sync.Mutex
	closeOnce   sync.Once
	connectedAt time.Time
}

func newClient(id int64, conn net.Conn) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		connectedAt: time.Now(),
	}
}

// ID returns the server-assigned connection id, used only for logging.
func (c *Client) ID() int64 { return c.id }

// RemoteAddr returns the peer address of the underlying connection.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ReadLine blocks until a full '\n'-terminated line arrives and returns it
// with the terminator (and an optional '\r') stripped. Partial lines are
// buffered by the reader until the terminator shows up; a partial line at
// EOF is discarded with the connection. Lines longer than maxLineBytes fail
// with errLineTooLong, which tears the connection down.
func (c *Client) ReadLine() (string, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			return protocol.TrimLine(string(line)), nil
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
		if len(line) >= maxLineBytes {
			return "", errLineTooLong
		}
	}
}

// WriteLine writes one framed line, appending the terminator. Safe for
// concurrent use; lines from different goroutines never interleave.
func (c *Client) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

// Close shuts the connection down. Idempotent; a concurrent reader unblocks
// with an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
