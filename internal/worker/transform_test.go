package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyTransform(t *testing.T) {
	cases := []struct {
		name      string
		transform string
		in        any
		want      any
	}{
		{"none keeps value", "", "Hello", "Hello"},
		{"explicit none", "none", 42, 42},
		{"upper", "upper", "hello", "HELLO"},
		{"lower", "lower", "HeLLo", "hello"},
		{"trim", "trim", "  padded  ", "padded"},
		{"upper on bytes", "upper", []byte("abc"), "ABC"},
		{"upper passes non-strings through", "upper", int64(7), int64(7)},
		{"null_if_empty blanks empty string", "null_if_empty", "", nil},
		{"null_if_empty keeps content", "null_if_empty", "x", "x"},
		{"null_if_empty keeps nil", "null_if_empty", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := applyTransform(tc.transform, tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestApplyTransformRejectsUnknownName(t *testing.T) {
	_, err := applyTransform("reverse", "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown column transform")
}
