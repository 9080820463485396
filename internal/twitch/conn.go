package twitch

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// LineConn is a line-oriented IRC connection. Abstracted so tests can feed
// the manager scripted chat without a network.
type LineConn interface {
	// ReadLine blocks until the next line arrives, without the trailing CRLF.
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Dialer establishes IRC connections.
type Dialer interface {
	Dial(ctx context.Context) (LineConn, error)
}

const (
	ircDialTimeout  = 10 * time.Second
	ircWriteTimeout = 5 * time.Second
)

// TLSDialer connects to the Twitch IRC endpoint over TLS. There is no
// ecosystem IRC client in use here; the protocol subset Twitch speaks for
// anonymous reads is a handful of lines.
type TLSDialer struct {
	// Addr is the IRC endpoint, e.g. "irc.chat.twitch.tv:6697".
	Addr string
}

var _ Dialer = (*TLSDialer)(nil)

func (d *TLSDialer) Dial(ctx context.Context) (LineConn, error) {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: ircDialTimeout}}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing twitch irc: %w", err)
	}
	return &tlsConn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

type tlsConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *tlsConn) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

func (c *tlsConn) WriteLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(ircWriteTimeout))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

func (c *tlsConn) Close() error {
	return c.conn.Close()
}
