package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedError_NamesTopicAndUnwraps(t *testing.T) {
	req := require.New(t)

	err := Scoped("sports", fmt.Errorf("%w: dial tcp", ErrBackplane))

	req.Equal("sports: backplane failure: dial tcp", err.Error())
	req.True(stderrors.Is(err, ErrBackplane))

	var scoped ScopedError
	req.True(stderrors.As(err, &scoped))
	req.Equal("sports", scoped.Topic)
}

func TestScoped_NilStaysNil(t *testing.T) {
	require.NoError(t, Scoped("sports", nil))
}

func TestIsAuthorization(t *testing.T) {
	req := require.New(t)
	req.True(IsAuthorization(Scoped("sports", ErrNotSubscribed)))
	req.True(IsAuthorization(ErrUnknownParty))
	req.False(IsAuthorization(Scoped("sports", ErrStore)))
}
