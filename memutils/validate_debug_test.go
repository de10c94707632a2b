//go:build debug_mem_utils

package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/rheap/memutils"
)

type brokenBlock struct{}

func (b brokenBlock) Validate() error {
	return errors.New("free list is not sorted")
}

func TestDebugChecksPanic(t *testing.T) {
	require.Panics(t, func() { memutils.AlignUp(100, 48) })
	require.NotPanics(t, func() { memutils.AlignUp(100, 64) })

	require.Panics(t, func() { memutils.DebugValidate(brokenBlock{}) })
}
