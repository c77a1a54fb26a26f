package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/signing"
)

func withMockServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := startServer
	startServer = func(io.Writer) int { calls++; return 0 }
	t.Cleanup(func() { startServer = orig })
	return &calls
}

func TestRun_Dispatch(t *testing.T) {
	var out, errOut bytes.Buffer

	t.Run("default is server", func(t *testing.T) {
		calls := withMockServer(t)
		assert.Equal(t, 0, Run([]string{"tollgate"}, &out, &errOut))
		assert.Equal(t, 1, *calls)
	})

	t.Run("serve alias", func(t *testing.T) {
		calls := withMockServer(t)
		assert.Equal(t, 0, Run([]string{"tollgate", "serve"}, &out, &errOut))
		assert.Equal(t, 1, *calls)
	})

	t.Run("help", func(t *testing.T) {
		out.Reset()
		assert.Equal(t, 0, Run([]string{"tollgate", "help"}, &out, &errOut))
		assert.Contains(t, out.String(), "keygen")
	})

	t.Run("unknown command", func(t *testing.T) {
		errOut.Reset()
		assert.Equal(t, 2, Run([]string{"tollgate", "frobnicate"}, &out, &errOut))
		assert.Contains(t, errOut.String(), "Unknown command")
	})
}

func TestKeygen(t *testing.T) {
	t.Run("requires flags", func(t *testing.T) {
		var out, errOut bytes.Buffer
		assert.Equal(t, 2, Run([]string{"tollgate", "keygen"}, &out, &errOut))
	})

	t.Run("emits private key and registry stanza", func(t *testing.T) {
		var out, errOut bytes.Buffer
		code := Run([]string{"tollgate", "keygen", "-kid", "kid-1", "-client", "client-1"}, &out, &errOut)
		require.Equal(t, 0, code)

		s := out.String()
		assert.Contains(t, s, "BEGIN PRIVATE KEY")
		assert.Contains(t, s, "kid: kid-1")
		assert.Contains(t, s, "client_id: client-1")
		assert.Contains(t, s, "status: active")

		// The emitted public key must parse as a registry key.
		start := strings.Index(s, "-----BEGIN PUBLIC KEY-----")
		require.GreaterOrEqual(t, start, 0)
		var pemKey strings.Builder
		for _, line := range strings.Split(s[start:], "\n") {
			line = strings.TrimSpace(line)
			pemKey.WriteString(line + "\n")
			if line == "-----END PUBLIC KEY-----" {
				break
			}
		}
		_, err := signing.NewRegistry([]*signing.KeyRecord{{
			KID:       "kid-1",
			ClientID:  "client-1",
			PublicKey: pemKey.String(),
			Status:    signing.StatusActive,
		}})
		assert.NoError(t, err)
	})
}
