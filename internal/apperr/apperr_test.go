package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("update resource: %w", Conflict("base revision %s is stale", "r1"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 409, KindOf(err).Status())
	assert.Contains(t, err.Error(), "base revision r1 is stale")
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("disk on fire")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, 500, KindOf(err).Status())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, nil, "noop"))
}

func TestInternalUnwraps(t *testing.T) {
	cause := errors.New("io")
	err := Internal(cause, "write blob")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Equal(t, "write blob: io", err.Error())
}
