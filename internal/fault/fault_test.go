package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassesSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("connect 1 2: %w", ErrUserNotFound)

	assert.True(t, IsErrNotFound(err))
	assert.False(t, IsErrInvalid(err))
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestUnavailableKeepsCause(t *testing.T) {
	err := Unavailable(context.DeadlineExceeded)

	assert.True(t, IsErrUnavailable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Same(t, err, Unavailable(err))
	assert.Nil(t, Unavailable(nil))
}
