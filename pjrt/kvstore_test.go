package pjrt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyValueStore(t *testing.T) {
	store := NewMemoryKeyValueStore()
	_, err := store.TryGet("a")
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = store.Get("a", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, store.Put("a", "1"))
	}()
	require.Equal(t, "1", capture(store.Get("a", 0)).Test(t))
	require.Equal(t, "1", capture(store.TryGet("a")).Test(t))
	require.NoError(t, store.Put("a", "2"))
	require.Equal(t, "2", capture(store.Get("a", time.Second)).Test(t))
}

// valuesOwned returns how many values returned to the plugin weren't deleted yet.
func valuesOwned() int {
	var count int
	keyValuesOwned.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func TestClientWithKeyValueStore(t *testing.T) {
	plugin := capture(GetPlugin(fakePluginName)).Test(t)
	store := NewMemoryKeyValueStore()

	// Two processes emulated by two clients: each one blocks until the other published its devices.
	const numProcesses = 2
	clients := make([]*Client, numProcesses)
	var wg sync.WaitGroup
	for ii := range numProcesses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			clients[ii], err = plugin.NewClientWithKeyValueStore(NamedValuesMap{
				"process_index": int64(ii),
				"num_processes": int64(numProcesses),
				"num_devices":   int64(ii + 1),
			}, store)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for _, client := range clients {
		require.NotNil(t, client)
	}

	want := map[string]string{
		fakeplugin.KeyValuePrefix + "0": "1",
		fakeplugin.KeyValuePrefix + "1": "2",
	}
	for ii, client := range clients {
		require.Equal(t, ii, client.ProcessIndex())
		require.Equal(t, want, fakeplugin.ClientKeyValues(client.client))
	}
	require.Zero(t, valuesOwned(), "values not freed with the deleter")

	for _, client := range clients {
		id := client.keyValueStoreID
		require.NoError(t, client.Destroy())
		_, found := keyValueStores.Load(id)
		require.False(t, found, "key-value store not released")
	}

	_, err := plugin.NewClientWithKeyValueStore(nil, nil)
	require.Equal(t, KindInvalidArgument, KindOf(err))
}

// failingStore fails every Put.
type failingStore struct {
	*MemoryKeyValueStore
}

func (failingStore) Put(key, _ string) error {
	return errors.Errorf("coordination service unavailable for %q", key)
}

func TestClientWithKeyValueStoreErrors(t *testing.T) {
	plugin := capture(GetPlugin(fakePluginName)).Test(t)

	// The other process never shows up.
	_, err := plugin.NewClientWithKeyValueStore(NamedValuesMap{
		"process_index": int64(0),
		"num_processes": int64(2),
		"kv_timeout_ms": int64(20),
	}, NewMemoryKeyValueStore())
	fmt.Printf("Expected error: %v\n", err)
	require.Equal(t, KindPlugin, KindOf(err))
	require.True(t, IsCode(err, CodeDeadlineExceeded))

	_, err = plugin.NewClientWithKeyValueStore(nil, failingStore{NewMemoryKeyValueStore()})
	fmt.Printf("Expected error: %v\n", err)
	require.True(t, IsCode(err, CodeUnknown))
	require.ErrorContains(t, err, "coordination service unavailable")
}
