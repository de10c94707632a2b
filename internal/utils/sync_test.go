package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutexSerializes(t *testing.T) {
	mutex := OptionalMutex{Enabled: true}
	counter := 0

	var wait sync.WaitGroup
	for i := 0; i < 8; i++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			for j := 0; j < 1000; j++ {
				mutex.Do(func() {
					counter++
				})
			}
		}()
	}
	wait.Wait()

	require.Equal(t, 8000, counter)
}

func TestOptionalMutexDisabledIsReentrant(t *testing.T) {
	var mutex OptionalMutex
	mutex.Lock()
	mutex.Lock()
	mutex.Unlock()
	mutex.Unlock()

	var rwMutex OptionalRWMutex
	rwMutex.Lock()
	rwMutex.RLock()
	rwMutex.RUnlock()
	rwMutex.Unlock()
}
