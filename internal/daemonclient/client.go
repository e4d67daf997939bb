// Package daemonclient is the CLI-side counterpart to
// internal/daemon's Session: it dials a running daemon's loopback
// listener, negotiates the same Content-Length-framed JSON-RPC 2.0
// wire protocol session.go speaks, and issues initialize/tool-call
// requests. Grounded directly on session.go's readMessage/writeMessage
// pair, mirrored client-side rather than shared, since the daemon
// reads from a buffered net.Conn it owns and the client writes to one
// it owns — the two directions don't share state.
package daemonclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"sari/internal/daemon"
)

// Client is one connection to a daemon.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
}

// Dial connects to host:port with a connect timeout.
func Dial(host string, port int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Identify calls sari/identify.
func (c *Client) Identify() (map[string]any, error) {
	var result map[string]any
	if err := c.call("sari/identify", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Initialize binds the connection's session to the workspace at
// rootPath.
func (c *Client) Initialize(rootPath string) error {
	params, _ := json.Marshal(map[string]string{"rootUri": rootPath})
	var result map[string]any
	return c.call("initialize", params, &result)
}

// CallTool invokes a named tool with the given arguments and returns
// the daemon's ToolResult envelope.
func (c *Client) CallTool(name string, args map[string]any) (daemon.ToolResult, error) {
	params, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	var result daemon.ToolResult
	if err := c.call(name, params, &result); err != nil {
		return daemon.ToolResult{}, err
	}
	return result, nil
}

func (c *Client) call(method string, params json.RawMessage, out any) error {
	c.nextID++
	id := c.nextID
	req := daemon.Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := c.conn.Write([]byte(header)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write request body: %w", err)
	}

	body, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp daemon.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) readMessage() ([]byte, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if contentLength >= 0 {
				break
			}
			continue
		}
		if idx := strings.IndexByte(trimmed, ':'); idx > 0 {
			name := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
			value := strings.TrimSpace(trimmed[idx+1:])
			if name == "content-length" {
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid Content-Length: %q", value)
				}
				contentLength = n
			}
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	buf := make([]byte, contentLength)
	if _, err := readFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
