package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"
)

// LineClient is a newline-delimited test client for the TCP frontend.
type LineClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
	t       *testing.T
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &LineClient{conn: conn, scanner: scanner, t: t}
}

// Send writes one line, appending "\n".
//
// Postcondition: line + "\n" is written to the connection, or the test fails.
func (c *LineClient) Send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("sending %q: %v", line, err)
	}
}

// ReadLine returns the next line from the server without its terminator.
//
// Postcondition: Returns one line, or fails the test on timeout or EOF.
func (c *LineClient) ReadLine(timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	if !c.scanner.Scan() {
		c.t.Fatalf("reading line: %v", c.scanner.Err())
	}
	return append([]byte(nil), c.scanner.Bytes()...)
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
