package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatsWithAndWithoutMessage(t *testing.T) {
	withMsg := New(InvalidCode, "bad code %s", "abc")
	require.Equal(t, "INVALID_CODE: bad code abc", withMsg.Error())

	bare := &Error{Code: RateLimited}
	require.Equal(t, "RATE_LIMITED", bare.Error())
}

func TestIsMatchesCode(t *testing.T) {
	err := New(ExpiredCode, "expired")
	require.True(t, Is(err, ExpiredCode))
	require.False(t, Is(err, InvalidCode))
	require.False(t, Is(errors.New("plain"), ExpiredCode))
}
