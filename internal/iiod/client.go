// Package iiod is a small client for the IIOD text protocol: attribute
// access and receive buffers, which is all the pluto backend needs.
package iiod

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// RemoteError is a negative status returned by the server.
type RemoteError struct {
	Op   string
	Code int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("iiod %s: server returned %d", e.Op, e.Code)
}

// Client is a single IIOD connection. Commands are serialized; the
// protocol has no request identifiers.
type Client struct {
	mu      sync.Mutex
	addr    string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration
}

// Dial connects to an IIOD server at host:port.
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		addr:    conn.RemoteAddr().String(),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: defaultTimeout,
	}
}

// SetTimeout bounds each command when the caller's context has no deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) arm(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	return c.conn.SetDeadline(deadline)
}

func (c *Client) send(ctx context.Context, cmd string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.arm(ctx); err != nil {
		return err
	}
	if _, err := c.writer.WriteString(cmd + "\n"); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.writer.Write(payload); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readStatus reads one integer status line.
func (c *Client) readStatus(op string) (int, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, fmt.Errorf("iiod %s: read status: %w", op, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("iiod %s: malformed status %q", op, line)
	}
	if code < 0 {
		return code, &RemoteError{Op: op, Code: code}
	}
	return code, nil
}

// readSized reads a status that is a payload length, then the payload and
// its trailing newline.
func (c *Client) readSized(op string) ([]byte, error) {
	n, err := c.readStatus(op)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, fmt.Errorf("iiod %s: read payload: %w", op, err)
	}
	if _, err := c.reader.ReadByte(); err != nil {
		return nil, fmt.Errorf("iiod %s: read terminator: %w", op, err)
	}
	return data, nil
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, "VERSION", nil); err != nil {
		return "", fmt.Errorf("iiod VERSION: %w", err)
	}
	line, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("iiod VERSION: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// XMLContext returns the raw context description.
func (c *Client) XMLContext(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, "PRINT", nil); err != nil {
		return nil, fmt.Errorf("iiod PRINT: %w", err)
	}
	return c.readSized("PRINT")
}

// Devices lists the devices of the remote context.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	raw, err := c.XMLContext(ctx)
	if err != nil {
		return nil, err
	}
	return ParseContext(raw)
}

// Channel addresses a device channel. A zero Channel means a device
// attribute.
type Channel struct {
	ID     string
	Output bool
}

// In and Out are shorthands for input and output channels.
func In(id string) Channel  { return Channel{ID: id} }
func Out(id string) Channel { return Channel{ID: id, Output: true} }

func attrPath(dev string, ch Channel, attr string) string {
	if ch.ID == "" {
		return dev + " " + attr
	}
	dir := "INPUT"
	if ch.Output {
		dir = "OUTPUT"
	}
	return fmt.Sprintf("%s %s %s %s", dev, dir, ch.ID, attr)
}

// ReadAttr reads one attribute value.
func (c *Client) ReadAttr(ctx context.Context, dev string, ch Channel, attr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, "READ "+attrPath(dev, ch, attr), nil); err != nil {
		return "", fmt.Errorf("iiod READ %s: %w", attr, err)
	}
	data, err := c.readSized("READ " + attr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00\n"), nil
}

// WriteAttr writes one attribute value.
func (c *Client) WriteAttr(ctx context.Context, dev string, ch Channel, attr, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("WRITE %s %d", attrPath(dev, ch, attr), len(value))
	if err := c.send(ctx, cmd, []byte(value)); err != nil {
		return fmt.Errorf("iiod WRITE %s: %w", attr, err)
	}
	_, err := c.readStatus("WRITE " + attr)
	return err
}

// OpenBuffer opens a receive buffer of samples samples on dev for the
// channels selected by mask.
func (c *Client) OpenBuffer(ctx context.Context, dev string, samples int, mask uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("OPEN %s %d %08x", dev, samples, mask)
	if err := c.send(ctx, cmd, nil); err != nil {
		return fmt.Errorf("iiod OPEN %s: %w", dev, err)
	}
	_, err := c.readStatus("OPEN")
	return err
}

// ReadBuffer fills p from the open buffer on dev. The server may answer in
// several chunks, each preceded by its length and the channel mask; a zero
// length ends the transfer early.
func (c *Client) ReadBuffer(ctx context.Context, dev string, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, fmt.Sprintf("READBUF %s %d", dev, len(p)), nil); err != nil {
		return 0, fmt.Errorf("iiod READBUF %s: %w", dev, err)
	}

	off := 0
	for off < len(p) {
		n, err := c.readStatus("READBUF")
		if err != nil {
			return off, err
		}
		if n == 0 {
			break
		}
		if off+n > len(p) {
			return off, fmt.Errorf("iiod READBUF: chunk of %d bytes overruns %d byte request", n, len(p))
		}
		if _, err := c.readLine(); err != nil {
			return off, fmt.Errorf("iiod READBUF: read mask: %w", err)
		}
		if _, err := io.ReadFull(c.reader, p[off:off+n]); err != nil {
			return off, fmt.Errorf("iiod READBUF: read data: %w", err)
		}
		off += n
	}
	return off, nil
}

// CloseBuffer releases the buffer on dev.
func (c *Client) CloseBuffer(ctx context.Context, dev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, "CLOSE "+dev, nil); err != nil {
		return fmt.Errorf("iiod CLOSE %s: %w", dev, err)
	}
	_, err := c.readStatus("CLOSE")
	return err
}
