package tcp

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"time"
)

// MaxLineLength bounds one inbound message.
const MaxLineLength = 64 * 1024

// ErrLineTooLong is returned when a client sends a line over MaxLineLength.
var ErrLineTooLong = errors.New("line too long")

// Conn wraps a TCP connection carrying one JSON message per line.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine reads the next line without its "\n" or "\r\n" terminator.
// Blank lines are skipped.
//
// Postcondition: Returns the next non-empty line, or an error (including
// io.EOF and ErrLineTooLong).
func (c *Conn) ReadLine() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		var line []byte
		for {
			chunk, isPrefix, err := c.reader.ReadLine()
			if err != nil {
				return nil, err
			}
			line = append(line, chunk...)
			if len(line) > MaxLineLength {
				return nil, ErrLineTooLong
			}
			if !isPrefix {
				break
			}
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
	}
}

// WriteLine sends payload followed by "\n".
//
// Postcondition: payload + "\n" is written to the connection.
func (c *Conn) WriteLine(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := c.raw.Write(buf)
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
