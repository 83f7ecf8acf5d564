package nvmeq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestErrorIsMatchesOnKind(t *testing.T) {
	err := errGone("issue_raw")
	require.True(t, errors.Is(err, &RequestError{Kind: KindGone}))
	require.False(t, errors.Is(err, &RequestError{Kind: KindNvme}))
}

func TestRequestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := errMemory("issue_external", inner)
	require.ErrorIs(t, err, inner)
}

func TestIsKindHelper(t *testing.T) {
	require.True(t, IsKind(errTooLarge("issue_in"), KindTooLarge))
	require.False(t, IsKind(errTooLarge("issue_in"), KindHv))
	require.False(t, IsKind(fmt.Errorf("unrelated"), KindGone))
}

func TestRequestErrorMessageIncludesStatus(t *testing.T) {
	err := errNvme("issue_raw", 0x0002)
	require.Contains(t, err.Error(), "0x0002")
}
