package rheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	testCases := map[string]struct {
		Document string
		Expected CreateOptions
	}{
		"Empty": {
			Document: `{}`,
			Expected: CreateOptions{},
		},
		"PageSettings": {
			Document: `{"pageSize": 1048576, "dedicatedThreshold": 262144, "frameDelay": 2}`,
			Expected: CreateOptions{
				PageSize:           1048576,
				DedicatedThreshold: 262144,
				FrameDelay:         2,
			},
		},
		"PoolClasses": {
			Document: `{"poolClasses": [{"ceiling": 256, "capacity": 65536}, {"ceiling": 4096, "capacity": 1048576}]}`,
			Expected: CreateOptions{
				PoolClasses: []PoolClass{
					{Ceiling: 256, Capacity: 65536},
					{Ceiling: 4096, Capacity: 1048576},
				},
			},
		},
		"HeapLimits": {
			Document: `{"heapSizeLimits": [0, 33554432]}`,
			Expected: CreateOptions{
				HeapSizeLimits: []int{0, 33554432},
			},
		},
		"ExternallySynchronized": {
			Document: `{"externallySynchronized": true}`,
			Expected: CreateOptions{
				Flags: AllocatorCreateExternallySynchronized,
			},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			options, err := ParseOptions([]byte(testCase.Document))
			require.NoError(t, err)
			require.Equal(t, testCase.Expected, options)
		})
	}
}

func TestParseOptionsErrors(t *testing.T) {
	testCases := map[string]string{
		"Malformed":         `{"pageSize": `,
		"WrongType":         `{"pageSize": "large"}`,
		"NegativePageSize":  `{"pageSize": -1}`,
		"NegativeThreshold": `{"dedicatedThreshold": -4}`,
		"NegativeDelay":     `{"frameDelay": -1}`,
	}

	for testName, document := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, err := ParseOptions([]byte(document))
			require.Error(t, err)
		})
	}
}

func TestParsedOptionsCreateManager(t *testing.T) {
	options, err := ParseOptions([]byte(`{"frameDelay": 1, "poolClasses": [{"ceiling": 128, "capacity": 4096}]}`))
	require.NoError(t, err)

	manager, _ := readyManager(t, options)
	require.Equal(t, 1, manager.PoolClasses().Len())
	require.Equal(t, 128, manager.PoolClasses().LargestCeiling())
	require.Equal(t, 1, manager.Heap(0).FrameDelay())
}
