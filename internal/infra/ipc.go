package infra

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

// ErrMalformedMessage is returned for a line that is not the expected JSON shape.
var ErrMalformedMessage = errors.New("malformed message")

// maxLineSize bounds a single protocol line.
const maxLineSize = 1 << 20

// Conn is the supervisor/agent transport: one JSON value per line over a
// stream socket. Writes are serialized; reads must come from one goroutine.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

// NewConn wraps an established stream connection.
func NewConn(c net.Conn) *Conn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Conn{conn: c, scanner: scanner}
}

// FileConn wraps an inherited socket file descriptor, as passed to a child in
// ExtraFiles.
func FileConn(fd uintptr) (*Conn, error) {
	f := os.NewFile(fd, "devmon-ipc")
	if f == nil {
		return nil, fmt.Errorf("invalid ipc descriptor %d", fd)
	}
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open ipc descriptor %d: %w", fd, err)
	}
	return NewConn(c), nil
}

// Socketpair creates a connected pair: the parent end as a Conn, the child end
// as a file for exec.Cmd.ExtraFiles. The caller closes child after Start.
func Socketpair() (*Conn, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socketpair: %w", err)
	}
	syscall.CloseOnExec(fds[0])

	parentFile := os.NewFile(uintptr(fds[0]), "devmon-ipc-parent")
	defer parentFile.Close()
	parent, err := net.FileConn(parentFile)
	if err != nil {
		syscall.Close(fds[1])
		return nil, nil, fmt.Errorf("failed to wrap socketpair: %w", err)
	}

	return NewConn(parent), os.NewFile(uintptr(fds[1]), "devmon-ipc-child"), nil
}

func (c *Conn) writeValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Conn) readLine() ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

// SendMessage writes an agent message.
func (c *Conn) SendMessage(msg domain.Message) error {
	return c.writeValue(msg)
}

// SendCommand writes a control command as a bare JSON string.
func (c *Conn) SendCommand(cmd domain.Command) error {
	return c.writeValue(string(cmd))
}

// ReadMessage reads the next agent message. A malformed line yields an error
// wrapping ErrMalformedMessage; the stream stays usable.
func (c *Conn) ReadMessage() (domain.Message, error) {
	line, err := c.readLine()
	if err != nil {
		return domain.Message{}, err
	}

	var msg domain.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %s", ErrMalformedMessage, line)
	}
	return msg, nil
}

// ReadCommand reads the next control command. Non-string JSON values come
// back as their raw text, which the agent treats as an unknown command.
func (c *Conn) ReadCommand() (domain.Command, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	var s string
	if err := json.Unmarshal(line, &s); err != nil {
		return domain.Command(line), nil
	}
	return domain.Command(s), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
