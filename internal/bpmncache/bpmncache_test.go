package bpmncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diagramXML = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="p1">
    <bpmn:userTask id="Activity_1" name="Do the thing"/>
  </bpmn:process>
</bpmn:definitions>`

func TestLookup_CachesAfterFirstFetch(t *testing.T) {
	var fetches int32
	fetch := func(ctx context.Context, processDefinitionID string) ([]byte, error) {
		atomic.AddInt32(&fetches, 1)
		return []byte(diagramXML), nil
	}
	c := New(fetch, 10, time.Minute)

	meta, found, err := c.Lookup(context.Background(), "proc-1", "Activity_1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Do the thing", meta.Name)

	_, _, err = c.Lookup(context.Background(), "proc-1", "Activity_1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestLookup_UnknownActivityNotFound(t *testing.T) {
	fetch := func(ctx context.Context, processDefinitionID string) ([]byte, error) {
		return []byte(diagramXML), nil
	}
	c := New(fetch, 10, time.Minute)

	_, found, err := c.Lookup(context.Background(), "proc-1", "Activity_missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookup_FetchErrorPropagates(t *testing.T) {
	fetch := func(ctx context.Context, processDefinitionID string) ([]byte, error) {
		return nil, errors.New("engine unreachable")
	}
	c := New(fetch, 10, time.Minute)

	_, _, err := c.Lookup(context.Background(), "proc-1", "Activity_1")
	assert.Error(t, err)
}

func TestLookup_ConcurrentMissesCoalesce(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, processDefinitionID string) ([]byte, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return []byte(diagramXML), nil
	}
	c := New(fetch, 10, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Lookup(context.Background(), "proc-1", "Activity_1")
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestPurgeAndLen(t *testing.T) {
	fetch := func(ctx context.Context, processDefinitionID string) ([]byte, error) {
		return []byte(diagramXML), nil
	}
	c := New(fetch, 10, time.Minute)
	_, _, _ = c.Lookup(context.Background(), "proc-1", "Activity_1")
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
