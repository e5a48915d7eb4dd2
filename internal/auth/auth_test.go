package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKey struct {
	verifyErr error
}

func (k *fakeKey) VerifySignature(_ []byte, _ []byte) error {
	return k.verifyErr
}

type fakeResolver struct {
	keys map[string]PublicKey
	err  error
}

func (r *fakeResolver) ResolveSigningKey(_ context.Context, did string) (PublicKey, error) {
	if r.err != nil {
		return nil, r.err
	}
	key, ok := r.keys[did]
	if !ok {
		return nil, errors.New("no such key")
	}
	return key, nil
}

func makeToken(t *testing.T, iss, aud string, exp time.Time) string {
	t.Helper()
	header := map[string]string{"alg": "ES256K", "typ": "JWT"}
	payload := map[string]any{"iss": iss, "aud": aud, "exp": exp.Unix()}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	enc := base64.RawURLEncoding.EncodeToString
	return enc(headerJSON) + "." + enc(payloadJSON) + "." + enc([]byte("signature"))
}

func TestVerifyRequestRejectsMissingHeader(t *testing.T) {
	v := NewVerifier("did:web:feed.example", &fakeResolver{})
	_, err := v.VerifyRequest(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifyRequestRejectsMalformedHeader(t *testing.T) {
	v := NewVerifier("did:web:feed.example", &fakeResolver{})
	_, err := v.VerifyRequest(context.Background(), "Token abc")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRequestRejectsWrongAudience(t *testing.T) {
	token := makeToken(t, "did:plc:alice", "did:web:other.example", time.Now().Add(time.Hour))
	v := NewVerifier("did:web:feed.example", &fakeResolver{})
	_, err := v.VerifyRequest(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrWrongAudience)
}

func TestVerifyRequestRejectsExpiredToken(t *testing.T) {
	token := makeToken(t, "did:plc:alice", "did:web:feed.example", time.Now().Add(-time.Hour))
	v := NewVerifier("did:web:feed.example", &fakeResolver{})
	_, err := v.VerifyRequest(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRequestRejectsBadSignature(t *testing.T) {
	token := makeToken(t, "did:plc:alice", "did:web:feed.example", time.Now().Add(time.Hour))
	resolver := &fakeResolver{keys: map[string]PublicKey{
		"did:plc:alice": &fakeKey{verifyErr: errors.New("bad signature")},
	}}
	v := NewVerifier("did:web:feed.example", resolver)
	_, err := v.VerifyRequest(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRequestAcceptsValidToken(t *testing.T) {
	token := makeToken(t, "did:plc:alice", "did:web:feed.example", time.Now().Add(time.Hour))
	resolver := &fakeResolver{keys: map[string]PublicKey{
		"did:plc:alice": &fakeKey{},
	}}
	v := NewVerifier("did:web:feed.example", resolver)
	did, err := v.VerifyRequest(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", did)
}

func TestVerifyRequestCachesResolvedKey(t *testing.T) {
	calls := 0
	resolver := &countingResolver{key: &fakeKey{}, calls: &calls}
	v := NewVerifier("did:web:feed.example", resolver)

	token := makeToken(t, "did:plc:alice", "did:web:feed.example", time.Now().Add(time.Hour))

	for i := 0; i < 3; i++ {
		_, err := v.VerifyRequest(context.Background(), "Bearer "+token)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, calls)
}

type countingResolver struct {
	key   PublicKey
	calls *int
}

func (r *countingResolver) ResolveSigningKey(_ context.Context, _ string) (PublicKey, error) {
	*r.calls++
	return r.key, nil
}
