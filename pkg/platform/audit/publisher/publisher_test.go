package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	id "trustcore/pkg/domain"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (r *recordingSink) Append(_ context.Context, event audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	identityID := id.NewIdentityID()
	err := pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventIdentityRegistered),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventIdentityRegistered), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_DerivesSecurityCategory(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	identityID := id.NewIdentityID()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventSuspiciousAddress),
	}))

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	identityID := id.NewIdentityID()
	err := pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventCredentialIssued),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		events, err := pub.List(context.Background(), identityID)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	identityID := id.NewIdentityID()
	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			IdentityID: identityID,
			Action:     string(audit.EventTagsUpdated),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByIdentity(context.Background(), identityID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DoesNotBlock(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	identityID := id.NewIdentityID()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{
				IdentityID: identityID,
				Action:     string(audit.EventTagsUpdated),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	identityID := id.NewIdentityID()
	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventIdentityRegistered),
	}))
	after := time.Now()

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	identityID := id.NewIdentityID()
	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventIdentityRegistered),
		Timestamp:  customTime,
	}))

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_ForwardsToSinks(t *testing.T) {
	store := memory.NewInMemoryStore()
	sink := &recordingSink{}
	pub := NewPublisher(store, WithSink(sink))
	defer pub.Close()

	identityID := id.NewIdentityID()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventRoleGranted),
	}))

	require.Len(t, sink.events, 1)
	assert.Equal(t, identityID, sink.events[0].IdentityID)
}

func TestPublisher_SinkFailureDoesNotFailEmit(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithSink(&recordingSink{err: errors.New("broker down")}))
	defer pub.Close()

	identityID := id.NewIdentityID()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		IdentityID: identityID,
		Action:     string(audit.EventCredentialRevoked),
	}))

	events, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func (r *recordingSink) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func TestPublisher_SinkCircuit(t *testing.T) {
	store := memory.NewInMemoryStore()
	sink := &recordingSink{err: errors.New("broker down")}
	pub := NewPublisher(store, WithSink(sink))
	defer pub.Close()

	emit := func() {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			IdentityID: id.NewIdentityID(),
			Action:     string(audit.EventCredentialIssued),
		}))
	}

	for range 4 {
		emit()
	}
	assert.False(t, pub.Degraded(), "below failure threshold")
	emit()
	assert.True(t, pub.Degraded(), "threshold reached")

	sink.setErr(nil)
	emit()
	assert.True(t, pub.Degraded(), "one success is not enough to close")
	emit()
	assert.False(t, pub.Degraded())
	assert.Len(t, sink.events, 2)
}

func TestPublisher_MultipleEventsKeepOrder(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	identityID := id.NewIdentityID()
	actions := []audit.AuditEvent{
		audit.EventIdentityRegistered,
		audit.EventCredentialIssued,
		audit.EventCredentialRotated,
	}
	for _, action := range actions {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			IdentityID: identityID,
			Action:     string(action),
		}))
	}

	result, err := pub.List(context.Background(), identityID)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, action := range actions {
		assert.Equal(t, string(action), result[i].Action)
	}
}
