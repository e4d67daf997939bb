package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditSinkFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenAuditSink(path, 256, time.Hour)
	require.NoError(t, err)

	sink.Log(AuditEvent{Event: AuditLeaseIssued, RootID: "root1", SessionID: "sess1"})
	sink.Log(AuditEvent{Event: AuditAutostop, RootID: "root1", Reason: "idle timeout"})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	require.Equal(t, AuditLeaseIssued, events[0].Event)
	require.Equal(t, AuditAutostop, events[1].Event)
	require.Equal(t, "idle timeout", events[1].Reason)
}

func TestAuditSinkFlushesWhenBufferFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenAuditSink(path, 2, time.Hour)
	require.NoError(t, err)
	defer sink.Close()

	sink.Log(AuditEvent{Event: AuditLeaseIssued})
	sink.Log(AuditEvent{Event: AuditLeaseRevoked})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)
}
