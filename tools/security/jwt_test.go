package security

import (
	"testing"
	"time"

	"HaksaPresence/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, "u1", "Alice")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	id, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Alice", id.UserName)
	assert.WithinDuration(t, exp, id.ExpireAt, time.Second)
}

func TestVerifyNameFallsBackToSubject(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, _, err := Generate(opts, "u2", "")
	require.NoError(t, err)

	id, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserName)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions(secret)
	good, _, err := Generate(opts, "u1", "A")
	require.NoError(t, err)

	// exp is kept at second precision, so this is past once the second rolls over
	expired, _, err := Generate(Options{Secret: secret, TTL: time.Nanosecond}, "u1", "A")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	cases := map[string]struct {
		opts  Options
		token string
	}{
		"wrong secret": {Options{Secret: []byte("other")}, good},
		"garbage":      {opts, "not.a.jwt"},
		"empty":        {opts, ""},
		"expired":      {opts, expired},
		"wrong issuer": {Options{Secret: secret, Issuer: "elsewhere"}, good},
		"wrong alg":    {Options{Secret: secret, Alg: "HS512"}, good},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(tc.opts, tc.token)
			assert.True(t, errs.Is(err, errs.ErrUnauthorized), "got %v", err)
		})
	}
}

func TestGenerateRequiresSubject(t *testing.T) {
	_, _, err := Generate(DefaultOptions(secret), " ", "x")
	assert.True(t, errs.Is(err, errs.ErrUnauthorized))
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("a"), HashToken("a"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
}
