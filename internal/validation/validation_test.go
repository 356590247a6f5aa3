package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathSegment_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "empty", in: "", want: "", errIs: ErrInvalidSegment},
		{name: "simple", in: "tenant-1", want: "tenant-1", errIs: nil},
		{name: "with extension", in: "session-notes.pdf", want: "session-notes.pdf", errIs: nil},
		{name: "dot", in: ".", want: "", errIs: ErrInvalidSegment},
		{name: "dotdot", in: "..", want: "", errIs: ErrInvalidSegment},
		{name: "slash", in: "a/b", want: "", errIs: ErrInvalidSegment},
		{name: "backslash", in: `a\b`, want: "", errIs: ErrInvalidSegment},
		{name: "traversal", in: "../escape", want: "", errIs: ErrInvalidSegment},
		{name: "absolute", in: "/etc/passwd", want: "", errIs: ErrInvalidSegment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathSegment(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}

func TestFileName_DelegatesToPathSegment(t *testing.T) {
	t.Parallel()

	got, err := FileName("campaign-notes.docx")
	assert.NoError(t, err)
	assert.Equal(t, "campaign-notes.docx", got)

	_, err = FileName("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidSegment)
}
