package rcon

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Conn is one authenticated RCON connection. It is not safe for concurrent
// use; the pool serializes access through the per-server mutex.
type Conn struct {
	addr    string
	conn    net.Conn
	timeout time.Duration
	nextID  int32
	log     *zap.Logger
}

// Dial connects and authenticates. The context bounds the TCP connect; the
// auth round-trip uses the connection timeout.
func Dial(ctx context.Context, addr, password string, timeout time.Duration, log *zap.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{addr: addr, conn: tcp, timeout: timeout, nextID: 1, log: log}
	if err := c.auth(password); err != nil {
		tcp.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) auth(password string) error {
	id := c.nextID
	c.nextID++

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := writePacket(c.conn, packet{ID: id, Type: typeAuth, Body: password}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Some servers send an empty RESPONSE_VALUE before the auth response;
	// read until we see the auth response type.
	for i := 0; i < 2; i++ {
		p, err := readPacket(c.conn)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if p.Type != typeAuthResponse {
			continue
		}
		if p.ID == -1 {
			return ErrAuthFailed
		}
		return nil
	}
	return fmt.Errorf("auth: no auth response from %s", c.addr)
}

// Exec sends one command and returns the response body.
func (c *Conn) Exec(ctx context.Context, cmd string) (string, error) {
	id := c.nextID
	c.nextID++

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := writePacket(c.conn, packet{ID: id, Type: typeExecCommand, Body: cmd}); err != nil {
		return "", err
	}

	p, err := readPacket(c.conn)
	if err != nil {
		return "", err
	}
	if p.ID != id {
		return "", fmt.Errorf("response id mismatch: sent %d got %d", id, p.ID)
	}
	return p.Body, nil
}

// Close tears down the TCP connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
