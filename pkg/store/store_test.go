package store_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/persistence/file"
	"github.com/memyselfmike/agiled/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*store.Store, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.NewBus(1024, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	s := store.New(file.NewPersistence(t.TempDir()), bus, slog.Default())

	return s, bus
}

func TestStore_CreateEntity(t *testing.T) {
	s, bus := setupStore(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []events.EventType{events.EntityCreatedEvent}}, 0)
	require.NoError(t, err)

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)
	assert.Equal(t, models.StateBacklog, entity.State)
	assert.Equal(t, int64(0), entity.Revision)

	select {
	case envelope := <-sub.Events():
		created, ok := envelope.Event.(events.EntityCreated)
		require.True(t, ok)
		assert.Equal(t, entity.ID, created.EntityID)
	case <-time.After(time.Second):
		t.Fatal("entity created event not published")
	}
}

func TestStore_TransitionCommitsAndPublishes(t *testing.T) {
	s, bus := setupStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)

	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []events.EventType{events.StateTransitionedEvent}}, 0)
	require.NoError(t, err)

	committed, err := s.Transition(ctx, models.StateTransitionRequest{
		EntityID:         entity.ID,
		ExpectedRevision: 0,
		Target:           models.StateReady,
		Actor:            "po",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, committed.State)
	assert.Equal(t, int64(1), committed.Revision)
	require.Len(t, committed.History, 1)
	assert.Equal(t, models.StateBacklog, committed.History[0].From)

	select {
	case envelope := <-sub.Events():
		transitioned, ok := envelope.Event.(events.StateTransitioned)
		require.True(t, ok)
		assert.Equal(t, int64(1), transitioned.Revision)
		assert.Equal(t, models.StateReady, transitioned.To)
	case <-time.After(time.Second):
		t.Fatal("state transitioned event not published")
	}
}

func TestStore_StaleRevisionRejectsWithoutMutationOrEvent(t *testing.T) {
	s, bus := setupStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)

	_, err = s.Transition(ctx, models.StateTransitionRequest{
		EntityID: entity.ID, ExpectedRevision: 0, Target: models.StateReady, Actor: "po",
	})
	require.NoError(t, err)

	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []events.EventType{events.StateTransitionedEvent}}, 0)
	require.NoError(t, err)

	_, err = s.Transition(ctx, models.StateTransitionRequest{
		EntityID: entity.ID, ExpectedRevision: 0, Target: models.StateInProgress, Actor: "dev",
	})
	require.Error(t, err)
	assert.True(t, store.IsStaleRevision(err))

	rejected := &store.RejectedError{}
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, int64(0), rejected.Expected)
	assert.Equal(t, int64(1), rejected.Current)

	// Nothing mutated.
	got, err := s.Read(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Equal(t, int64(1), got.Revision)
	assert.Len(t, got.History, 1)

	// No event published for the rejection.
	select {
	case envelope := <-sub.Events():
		t.Fatalf("unexpected event published: %v", envelope.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_InvalidTargetRejected(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)

	_, err = s.Transition(ctx, models.StateTransitionRequest{
		EntityID: entity.ID, ExpectedRevision: 0, Target: models.State("archived"), Actor: "po",
	})
	assert.ErrorIs(t, err, store.ErrInvalidTarget)
}

// N concurrent requests against one entity, all expecting the same revision:
// exactly one commits, the rest are rejected, no lost updates.
func TestStore_ConcurrentTransitionsNoLostUpdates(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)

	const workers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		rejected  int
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Transition(ctx, models.StateTransitionRequest{
				EntityID:         entity.ID,
				ExpectedRevision: 0,
				Target:           models.StateReady,
				Actor:            "dev",
			})

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				committed++
			} else if store.IsStaleRevision(err) {
				rejected++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, committed, "exactly one transition must win revision 0")
	assert.Equal(t, workers-1, rejected)

	got, err := s.Read(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.Len(t, got.History, 1)
}

// Revisions strictly increase by one per committed transition and the audit
// changelog matches the entity history exactly.
func TestStore_ChangelogMatchesHistory(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.EntityKindStory, "Checkout flow", "po")
	require.NoError(t, err)

	states := []models.State{models.StateReady, models.StateInProgress, models.StateInReview, models.StateDone}

	for i, target := range states {
		committed, err := s.Transition(ctx, models.StateTransitionRequest{
			EntityID:         entity.ID,
			ExpectedRevision: int64(i),
			Target:           target,
			Actor:            "dev",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), committed.Revision)
	}

	got, err := s.Read(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, got.History, len(states))

	records, err := s.ChangelogRecords(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, records, len(states))

	for i, record := range records {
		assert.Equal(t, got.History[i].Revision, record.Revision)
		assert.Equal(t, got.History[i].From, record.From)
		assert.Equal(t, got.History[i].To, record.To)
		assert.Equal(t, got.History[i].Actor, record.Actor)
	}
}
