package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ClassifiesEachTypedError(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient("op", cause), KindTransient},
		{"rate_limited", RateLimited("op", 1.5, cause), KindRateLimit},
		{"memory_limit", MemoryLimit("k", "n", 200, 128), KindMemory},
		{"validation", Validation("field", cause), KindValidation},
		{"not_found", NotFound("file", "f1"), KindNotFound},
		{"permission", Permission("acme", "campaign"), KindPermission},
		{"invariant", Invariant("rule"), KindInvariant},
		{"not_implemented", NotImplemented("image/png"), KindNotImpl},
		{"fatal", Fatal("op", cause), KindFatal},
		{"plain_error_defaults_fatal", cause, KindFatal},
		{"nil_has_no_kind", nil, Kind("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrappedErrors_UnwrapToCause(t *testing.T) {
	cause := errors.New("root cause")
	assert.ErrorIs(t, Transient("op", cause), cause)
	assert.ErrorIs(t, RateLimited("op", 0, cause), cause)
	assert.ErrorIs(t, Validation("field", cause), cause)
	assert.ErrorIs(t, Fatal("op", cause), cause)
}

func TestTransient_NilErrorReturnsNil(t *testing.T) {
	assert.NoError(t, Transient("op", nil))
}

func TestValidationf_FormatsMessage(t *testing.T) {
	err := Validationf("field", "value %d is out of range", 5)
	assert.Equal(t, "validation: field: value 5 is out of range", err.Error())
}

func TestKindOf_RecognizesErrorsWrappedByFmtErrorf(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", NotFound("file", "f1"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}
