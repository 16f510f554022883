package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	bberrors "github.com/bitboxsync/bitbox/internal/errors"
)

// tcpConn frames messages as newline-terminated JSON over a stream
// socket, with no additional length prefix.
type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex
}

func newTCPConn(conn net.Conn) *tcpConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	return &tcpConn{conn: conn, scanner: scanner}
}

// DialTCP opens a stream connection to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	return newTCPConn(conn), nil
}

func (c *tcpConn) ReadLine(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading line: %w", err)
		}

		return nil, bberrors.ErrPeerClosed
	}

	line := make([]byte, len(c.scanner.Bytes()))
	copy(line, c.scanner.Bytes())

	return line, nil
}

func (c *tcpConn) WriteLine(ctx context.Context, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte{}, line...), '\n')
	}

	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}

	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// tcpListener wraps a net.Listener into the transport contract.
type tcpListener struct {
	listener net.Listener
}

// ListenTCP binds a stream listener on addr.
func ListenTCP(addr string) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding tcp listener on %s: %w", addr, err)
	}

	return &tcpListener{listener: listener}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.listener.Close()
	})
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, bberrors.ErrListenerClosed
	}

	return newTCPConn(conn), nil
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

func (l *tcpListener) Addr() string {
	return l.listener.Addr().String()
}
