package regerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("message without cause", func(t *testing.T) {
		err := New("queue", "add", CodeDuplicateName, "queue with name Emails exists")
		assert.Equal(t, "queue/add: DUPLICATE_NAME: queue with name Emails exists", err.Error())
	})

	t.Run("message with cause", func(t *testing.T) {
		cause := errors.New("dial tcp: connection refused")
		err := New("conn", "connect", CodeLink, "primary link failed").WithCause(cause)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("unwrap preserves cause chain", func(t *testing.T) {
		cause := errors.New("hset failed")
		err := New("queue", "add", CodePersistence, "store write failed").WithCause(cause)
		require.ErrorIs(t, err, cause)
	})

	t.Run("code checks survive wrapping", func(t *testing.T) {
		err := fmt.Errorf("loading queues: %w", New("queue", "find", CodeNotFound, "no such slug"))
		assert.True(t, IsNotFound(err))
		assert.False(t, IsDuplicateName(err))
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeDuplicateName, http.StatusConflict},
		{CodeConnectionInUse, http.StatusConflict},
		{CodeUnknownRole, http.StatusInternalServerError},
		{CodePersistence, http.StatusInternalServerError},
		{CodeLink, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := New("conn", "op", tc.code, "msg")
			assert.Equal(t, tc.want, err.HTTPStatus())
		})
	}
}
