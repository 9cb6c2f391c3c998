package scribeerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotLeaderCarriesKnownLeader(t *testing.T) {
	err := NewNotLeader(3, "10.0.0.3:9000")
	require.NotNil(t, err.KnownLeader)
	assert.Equal(t, uint64(3), err.KnownLeader.ID)
	assert.Equal(t, 421, err.HTTPStatus())
}

func TestNotLeaderWithoutKnownLeader(t *testing.T) {
	err := NewNotLeader(0, "")
	assert.Nil(t, err.KnownLeader)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{NewTimeout("client_write"), http.StatusGatewayTimeout},
		{NewStorageFailure("append", nil), http.StatusInternalServerError},
		{NewNetworkFailure("rpc", nil), http.StatusBadGateway},
		{NewConfigurationError("zero node id"), http.StatusBadRequest},
		{NewNotFound("segment-1"), http.StatusNotFound},
		{NewSerializationError("decode", nil), http.StatusUnprocessableEntity},
		{NewDiscoveryError("no peers", nil), http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.err.HTTPStatus())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageFailure("append", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := NewNotLeader(0, "")
	assert.True(t, Is(err, KindNotLeader))
	assert.False(t, Is(err, KindTimeout))
	assert.False(t, Is(errors.New("plain"), KindNotLeader))
}
