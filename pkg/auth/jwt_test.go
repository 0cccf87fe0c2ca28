package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("s3cret")

	tok, err := s.CreateAccessToken("ops", "ADMIN", time.Minute)
	require.NoError(t, err)

	c, err := s.ParseValidate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", c.Sub)
	assert.Equal(t, "ADMIN", c.Role)
}

func TestSigner_RejectsForeignAndExpired(t *testing.T) {
	tok, err := NewSigner("other").CreateAccessToken("ops", "ADMIN", time.Minute)
	require.NoError(t, err)
	_, err = NewSigner("s3cret").ParseValidate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	s := NewSigner("s3cret")
	expired, err := s.CreateAccessToken("ops", "ADMIN", -time.Minute)
	require.NoError(t, err)
	_, err = s.ParseValidate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ParseValidate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
