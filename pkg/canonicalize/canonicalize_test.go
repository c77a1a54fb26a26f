package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/canonicalize"
)

func TestJCS_SortsKeys(t *testing.T) {
	out, err := canonicalize.JCS(map[string]interface{}{
		"to":       "0xBEEF",
		"chain_id": 8453,
		"from":     "0xCAFE",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"chain_id":8453,"from":"0xCAFE","to":"0xBEEF"}`, string(out))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	type tx struct {
		ChainID int    `json:"chain_id"`
		From    string `json:"from"`
		To      string `json:"to"`
		Value   string `json:"value"`
	}
	a := tx{ChainID: 1, From: "0xabc", To: "0xdef", Value: "1000000"}
	b := tx{Value: "1000000", To: "0xdef", From: "0xabc", ChainID: 1}

	h1, err := canonicalize.CanonicalHash(a)
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHash_DistinctInputs(t *testing.T) {
	h1, err := canonicalize.CanonicalHash(map[string]string{"value": "1"})
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(map[string]string{"value": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := canonicalize.JCS(map[string]string{"label": "a<&>b"})
	require.NoError(t, err)
	assert.Equal(t, `{"label":"a<&>b"}`, string(out))
}
