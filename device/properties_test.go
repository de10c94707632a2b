package device

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/memutils"
)

func validProperties() MemoryProperties {
	return MemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1000000},
		},
		NonCoherentAtomSize:      64,
		MinBufferOffsetAlignment: 16,
	}
}

func TestValidateMemoryProperties(t *testing.T) {
	testCases := map[string]struct {
		Modify      func(p *MemoryProperties)
		ExpectError bool
		ErrorIs     error
	}{
		"Valid": {
			Modify: func(p *MemoryProperties) {},
		},
		"NoTypes": {
			Modify:      func(p *MemoryProperties) { p.MemoryTypes = nil },
			ExpectError: true,
		},
		"NoHeaps": {
			Modify:      func(p *MemoryProperties) { p.MemoryHeaps = nil },
			ExpectError: true,
		},
		"HeapIndexOutOfRange": {
			Modify:      func(p *MemoryProperties) { p.MemoryTypes[2].HeapIndex = 2 },
			ExpectError: true,
		},
		"EmptyHeap": {
			Modify:      func(p *MemoryProperties) { p.MemoryHeaps[1].Size = 0 },
			ExpectError: true,
		},
		"AtomNotPow2": {
			Modify:      func(p *MemoryProperties) { p.NonCoherentAtomSize = 48 },
			ExpectError: true,
			ErrorIs:     memutils.PowerOfTwoError,
		},
		"ZeroAtom": {
			Modify: func(p *MemoryProperties) { p.NonCoherentAtomSize = 0 },
		},
		"BufferAlignmentNotPow2": {
			Modify:      func(p *MemoryProperties) { p.MinBufferOffsetAlignment = 3 },
			ExpectError: true,
			ErrorIs:     memutils.PowerOfTwoError,
		},
		"NegativeAllocationCount": {
			Modify:      func(p *MemoryProperties) { p.MaxMemoryAllocationCount = -1 },
			ExpectError: true,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			props := validProperties()
			testCase.Modify(&props)

			err := props.Validate()
			if !testCase.ExpectError {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			if testCase.ErrorIs != nil {
				require.ErrorIs(t, err, testCase.ErrorIs)
			}
		})
	}
}

func TestMemoryTypeAlignment(t *testing.T) {
	props := validProperties()

	require.Equal(t, uint(1), props.MemoryTypeMinimumAlignment(0))
	require.Equal(t, uint(1), props.MemoryTypeMinimumAlignment(1))
	require.Equal(t, uint(64), props.MemoryTypeMinimumAlignment(2))

	require.Equal(t, uint(16), props.BufferOffsetAlignment(0))
	require.Equal(t, uint(16), props.BufferOffsetAlignment(1))
	require.Equal(t, uint(64), props.BufferOffsetAlignment(2))

	require.False(t, props.IsMemoryTypeHostVisible(0))
	require.True(t, props.IsMemoryTypeHostVisible(1))
	require.False(t, props.IsMemoryTypeHostNonCoherent(1))
	require.True(t, props.IsMemoryTypeHostNonCoherent(2))

	require.Equal(t, uint32(0b111), props.GlobalMemoryTypeBits())
	require.Equal(t, 1, props.MemoryTypeIndexToHeapIndex(2))
}

func TestCloneDoesNotShare(t *testing.T) {
	props := validProperties()
	clone := props.Clone()

	props.MemoryTypes[0].HeapIndex = 1
	props.MemoryHeaps[0].Size = 5

	require.Equal(t, 0, clone.MemoryTypes[0].HeapIndex)
	require.Equal(t, 1000000, clone.MemoryHeaps[0].Size)
}
