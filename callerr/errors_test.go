package callerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Class
		retryable bool
	}{
		{"nil", nil, ClassNone, false},
		{"configuration", fmt.Errorf("%w: empty connection id", ErrConfiguration), ClassConfiguration, false},
		{"missing identity", fmt.Errorf("lookup c1: %w", ErrMissingIdentity), ClassIdentity, true},
		{"missing props", ErrMissingProps, ClassIdentity, true},
		{"missing session identity", ErrMissingSessionIdentity, ClassIdentity, true},
		{"ratchet", fmt.Errorf("decrypt: %w", ErrRatchet), ClassRatchet, true},
		{"media", ErrMedia, ClassMedia, false},
		{"network", ErrNetwork, ClassNetwork, false},
		{"call not found", ErrCallNotFound, ClassRouting, false},
		{"connection not found", ErrConnectionNotFound, ClassRouting, false},
		{"other", errors.New("boom"), ClassOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.retryable, got.Retryable())
		})
	}
}

func TestClassifyPrefersIdentityOverRatchet(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrRatchet, ErrMissingIdentity)
	assert.Equal(t, ClassIdentity, Classify(err))
}
