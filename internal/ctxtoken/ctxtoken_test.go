package ctxtoken

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	s := NewSigner([]byte("test-key"))

	tok, err := s.Issue("auth-flow", "root1", 0)
	require.NoError(t, err)
	require.Contains(t, tok, prefix)

	p, err := s.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "auth-flow", p.Topic)
	require.Equal(t, "root1", p.RootID)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	tok, err := s.Issue("topic", "root1", 0)
	require.NoError(t, err)

	// Change the signature's first character: every bit of it is
	// significant, unlike the last one's trailing padding bits.
	dot := strings.LastIndexByte(tok, '.')
	repl := "A"
	if tok[dot+1] == 'A' {
		repl = "B"
	}
	tampered := tok[:dot+1] + repl + tok[dot+2:]
	_, err = s.Verify(tampered)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	tok, err := s.Issue("topic", "root1", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = s.Verify(tok)
	require.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	tok, err := NewSigner([]byte("key-a")).Issue("topic", "root1", 0)
	require.NoError(t, err)

	_, err = NewSigner([]byte("key-b")).Verify(tok)
	require.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	_, err := s.Verify("not-a-token")
	require.Error(t, err)

	_, err = s.Verify("ctx_missingdot")
	require.Error(t, err)
}
