package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrom(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, Success},
		{"plain", cause, UsageError},
		{"wrapped", Wrap(DBConnError, cause), DBConnError},
		{"wrapped twice", fmt.Errorf("migrate: %w", Wrap(BrokerError, cause)), BrokerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, From(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(Rejected, nil))

	cause := errors.New("boom")
	err := Wrap(ValidationError, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "boom", err.Error())
}
