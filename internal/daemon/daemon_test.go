package daemon

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sari/internal/storage"
	"sari/internal/workspace"
)

func testBuilder() Builder {
	return func(root workspace.Root) (*SharedState, error) {
		return &SharedState{
			Root:  root,
			Queue: storage.NewQueue(),
		}, nil
	}
}

func startTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	dir := t.TempDir()
	server := NewServerRegistry(filepath.Join(dir, "server.json"))
	reg := NewRegistry(nil)

	d := NewWithRegistries(Config{Host: "127.0.0.1", Port: 0}, nil, nil, server, reg)
	require.NoError(t, d.Start(context.Background(), testBuilder()))
	t.Cleanup(func() { d.Stop("test cleanup") })

	addr := d.listener.Addr().String()
	return d, addr
}

func TestRefusesNonLoopbackBind(t *testing.T) {
	dir := t.TempDir()
	d := NewWithRegistries(Config{Host: "0.0.0.0", Port: 0}, nil, nil, NewServerRegistry(filepath.Join(dir, "server.json")), NewRegistry(nil))
	err := d.Start(context.Background(), testBuilder())
	require.Error(t, err)
}

func TestIdentifyWithoutBinding(t *testing.T) {
	_, addr := startTestDaemon(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := Request{JSONRPC: "2.0", ID: ptrInt64(1), Method: "sari/identify"}
	writeFramed(t, conn, req)

	resp := readFramed(t, conn)
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "sari", result["name"])
}

func TestInitializeBindsWorkspaceAndToolCallRoutes(t *testing.T) {
	d, addr := startTestDaemon(t)
	_ = d

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	root := t.TempDir()
	params, _ := json.Marshal(map[string]string{"rootUri": root})
	writeFramed(t, conn, Request{JSONRPC: "2.0", ID: ptrInt64(1), Method: "initialize", Params: params})
	resp := readFramed(t, conn)
	require.Nil(t, resp.Error)

	writeFramed(t, conn, Request{JSONRPC: "2.0", ID: ptrInt64(2), Method: "status"})
	resp = readFramed(t, conn)
	require.Nil(t, resp.Error)
}

func TestToolCallBeforeInitializeIsRejected(t *testing.T) {
	_, addr := startTestDaemon(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	writeFramed(t, conn, Request{JSONRPC: "2.0", ID: ptrInt64(1), Method: "status"})
	resp := readFramed(t, conn)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeNotInitialized, resp.Error.Code)
}

func TestPortConflictRefusesSecondDaemon(t *testing.T) {
	dir := t.TempDir()
	server := NewServerRegistry(filepath.Join(dir, "server.json"))

	d1 := NewWithRegistries(Config{Host: "127.0.0.1", Port: 0}, nil, nil, server, NewRegistry(nil))
	require.NoError(t, d1.Start(context.Background(), testBuilder()))
	t.Cleanup(func() { d1.Stop("test cleanup") })
	port := d1.listener.Addr().(*net.TCPAddr).Port

	d2 := NewWithRegistries(Config{Host: "127.0.0.1", Port: port}, nil, nil, server, NewRegistry(nil))
	err := d2.Start(context.Background(), testBuilder())
	require.Error(t, err)
}

func TestFileURIToPath(t *testing.T) {
	p, err := fileURIToPath("file:///home/user/proj")
	require.NoError(t, err)
	require.Equal(t, "/home/user/proj", p)

	_, err = fileURIToPath("file://evil.example.com/etc")
	require.Error(t, err)

	p, err = fileURIToPath("/bare/path")
	require.NoError(t, err)
	require.Equal(t, "/bare/path", p)
}

func ptrInt64(v int64) *int64 { return &v }

func writeFramed(t *testing.T, conn net.Conn, req Request) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write([]byte("Content-Length: " + itoa(len(data)) + "\r\n\r\n"))
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readFramed(t *testing.T, conn net.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
		if idx := indexDoubleCRLF(buf); idx >= 0 {
			break
		}
	}
	idx := indexDoubleCRLF(buf)
	header := string(buf[:idx])
	body := buf[idx+4:]
	length := parseContentLength(t, header)
	for len(body) < length {
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		body = append(body, chunk[:n]...)
	}
	var resp Response
	require.NoError(t, json.Unmarshal(body[:length], &resp))
	return resp
}

func indexDoubleCRLF(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func parseContentLength(t *testing.T, header string) int {
	t.Helper()
	const prefix = "Content-Length: "
	idx := indexOf(header, prefix)
	require.GreaterOrEqual(t, idx, 0)
	rest := header[idx+len(prefix):]
	n := 0
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
