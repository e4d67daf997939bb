package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxMessageSize is the hard cap on one framed JSON-RPC message
// (§6): larger bodies are rejected rather than buffered unbounded.
const MaxMessageSize = 10 << 20 // 10 MiB

// Handler dispatches one parsed request to a tool/lifecycle method,
// returning the value to encode as the response envelope's result.
type Handler func(ctx *Session, method string, params json.RawMessage) (any, *RPCError)

// Session is one accepted connection: strictly single-threaded, its
// requests served serially on the read goroutine's calling thread
// per §4.8 ("the session is strictly single-threaded per connection").
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	log     *zap.Logger
	handler Handler

	ndjson bool

	boundRoot    string
	sharedState  *SharedState
	registry     *Registry
	daemonStatus func() (draining bool, bootID string)
}

// NewSession wraps an accepted connection. ndjson selects the
// newline-delimited framing §4.8 allows "when explicitly enabled"
// (by SARI_TRANSPORT_NDJSON at the daemon level); Content-Length
// framing is used otherwise.
func NewSession(conn net.Conn, registry *Registry, handler Handler, log *zap.Logger, daemonStatus func() (bool, string), ndjson bool) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 64*1024),
		log:          log,
		handler:      handler,
		registry:     registry,
		daemonStatus: daemonStatus,
		ndjson:       ndjson,
	}
}

// Run reads and serves requests until the connection closes or, when
// readDeadline is positive, no message arrives within it; it returns
// nil on clean EOF.
func (s *Session) Run(readDeadline time.Duration) error {
	defer s.release()

	for {
		if readDeadline > 0 {
			s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		}

		body, err := s.readMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if body == nil {
			continue // a junk/blank line was skipped
		}

		resp := s.dispatch(body)
		if resp == nil {
			continue // notification, no response expected
		}
		if err := s.writeMessage(*resp); err != nil {
			return err
		}
	}
}

func (s *Session) release() {
	if s.boundRoot != "" && s.registry != nil {
		s.registry.Release(s.boundRoot)
	}
	s.conn.Close()
}

// readMessage reads one Content-Length-framed message, or one bare
// newline-delimited JSON line when the session's ndjson mode is
// enabled. Tolerates junk preamble lines, header folding, and
// case-insensitive header names per §4.8's transport robustness list.
func (s *Session) readMessage() ([]byte, error) {
	if s.ndjson {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil, nil
		}
		if len(line) > MaxMessageSize {
			return nil, fmt.Errorf("message exceeds max size")
		}
		return line, nil
	}

	contentLength := -1
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if len(strings.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" {
			if contentLength >= 0 {
				break // end of headers
			}
			continue // junk blank preamble line
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
			// unknown headers are ignored
			continue
		}

		// a non-header line before Content-Length is seen is junk
		// preamble (§4.8); skip it and keep scanning for headers.
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	if contentLength > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds max size %d", contentLength, MaxMessageSize)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Session) writeMessage(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.ndjson {
		_, err = s.conn.Write(append(data, '\n'))
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := s.conn.Write([]byte(header)); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

func (s *Session) dispatch(body []byte) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		resp := errorResponse(nil, ErrCodeParse, "invalid JSON-RPC request")
		return &resp
	}

	if draining, bootID := s.daemonStatus(); draining && req.Method != "sari/identify" {
		_ = bootID
		if req.ID == nil {
			return nil
		}
		resp := errorResponse(req.ID, ErrCodeDraining, "daemon is draining; reconnect to the latest instance")
		return &resp
	}

	result, rpcErr := s.handler(s, req.Method, req.Params)

	switch req.Method {
	case "exit":
		return nil
	}

	if req.ID == nil {
		return nil // notification: no response
	}
	if rpcErr != nil {
		resp := errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
		return &resp
	}
	resp := resultResponse(req.ID, result)
	return &resp
}

// sanitizeError folds an internal error to a single line, truncated
// to 500 chars, with no stack trace (§7's propagation policy).
func sanitizeError(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
