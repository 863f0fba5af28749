package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerSignAndVerify(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign(42, "uploads/abc.jpg")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	file, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), file.ImageID)
	assert.Equal(t, "uploads/abc.jpg", file.Ref)
	assert.WithinDuration(t, expiresAt, file.ExpiresAt, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	now := time.Now()
	signer.now = func() time.Time { return now }
	token, _, err := signer.Sign(1, "uploads/a.png")
	require.NoError(t, err)

	signer.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSignedURLSignerRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Sign(7, "uploads/a.png")
	require.NoError(t, err)

	other := NewSignedURLSigner("other", time.Hour)
	forged, _, err := other.Sign(8, "uploads/b.png")
	require.NoError(t, err)
	payload, _, _ := strings.Cut(forged, ".")
	_, sig, _ := strings.Cut(token, ".")

	for _, candidate := range []string{"", "garbage", payload + "." + sig, forged} {
		_, err := signer.Verify(candidate)
		assert.ErrorIs(t, err, ErrInvalidToken, candidate)
	}
}

func TestSignedURLSignerRequiresInput(t *testing.T) {
	_, _, err := NewSignedURLSigner("", time.Hour).Sign(1, "uploads/a.png")
	assert.Error(t, err)
	_, _, err = NewSignedURLSigner("secret", time.Hour).Sign(0, "uploads/a.png")
	assert.Error(t, err)
}
