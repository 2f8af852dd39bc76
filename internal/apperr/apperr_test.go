package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := DataIncomplete("clinical", "no indicator bundle for %s", "E01000001")
	wrapped := fmt.Errorf("compute: %w", err)

	assert.True(t, errors.Is(wrapped, ErrDataIncomplete))
	assert.False(t, errors.Is(wrapped, ErrConfiguration))
	assert.Equal(t, KindDataIncomplete, KindOf(wrapped))
	assert.Equal(t, "clinical", FieldOf(wrapped))
	assert.Equal(t, "clinical: no indicator bundle for E01000001", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindConflict, cause, "activate %s", "v2")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "activate v2: boom", err.Error())
	assert.Nil(t, Wrap(KindConflict, nil, "noop"))
}

func TestNotFoundMessage(t *testing.T) {
	assert.Equal(t, "Route plan with id 'p1' not found", NotFound("Route plan", "p1").Error())
	assert.Equal(t, "Active model configuration not found", NotFound("Active model configuration", "").Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
