package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("classify: %w", New(MalformedResponse, "decode", errors.New("bad json")))

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, MalformedResponse, kind)
	require.False(t, IsFatal(err))
	require.Contains(t, err.Error(), "malformed_response")
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(New(Fatal, "login", errors.New("401"))))
	require.False(t, IsFatal(errors.New("plain")))
	require.False(t, IsFatal(nil))
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := New(Transient, "chat", context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "transient", Transient.String())
}
