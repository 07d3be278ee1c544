package sim

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain pops every live command.
func drain(s *Scheduler) ([]Command, []Time) {
	var cmds []Command
	var times []Time
	for {
		cmd, at, ok := s.Next()
		if !ok {
			return cmds, times
		}
		cmds = append(cmds, cmd)
		times = append(times, at)
	}
}

func TestScheduler_Next_RandomSchedules_NonDecreasingWithTotalTieBreak(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		// GIVEN a few hundred commands scheduled at random times in random order
		rng := rand.New(rand.NewSource(seed))
		s := NewScheduler()
		for i := 0; i < 300; i++ {
			cmd := Command{Kind: CommandKind(rng.Intn(5)), ID: rng.Intn(10)}
			require.NoError(t, s.Schedule(cmd, Time(rng.Intn(50))))
		}

		// WHEN everything is drained
		cmds, times := drain(s)

		// THEN times never decrease and same-time commands follow (kind, id)
		require.Len(t, cmds, 300, "seed %d", seed)
		for i := 1; i < len(cmds); i++ {
			if times[i] < times[i-1] {
				t.Fatalf("seed %d: %v at %v after %v at %v", seed, cmds[i], times[i], cmds[i-1], times[i-1])
			}
			if times[i] == times[i-1] && cmds[i].Before(cmds[i-1]) {
				t.Fatalf("seed %d: %v dispatched after %v at the same time", seed, cmds[i], cmds[i-1])
			}
		}
		assert.Equal(t, 300, s.Dispatched())
	}
}

func TestScheduler_SameTime_KindOrdinalThenID(t *testing.T) {
	// GIVEN commands of every kind due at the same time, scheduled backwards
	s := NewScheduler()
	want := []Command{
		StartTrip(1), StartTrip(2),
		UpdateIntersection(0),
		UpdateCar(0), UpdateCar(3),
		UpdatePed(1),
		RunHook(0),
	}
	for i := len(want) - 1; i >= 0; i-- {
		require.NoError(t, s.Schedule(want[i], 100))
	}

	// WHEN drained
	got, _ := drain(s)

	// THEN the kind ordinal decides first, then the id
	assert.Equal(t, want, got)
}

func TestScheduler_DuplicateCommand_InsertionOrder(t *testing.T) {
	// GIVEN the same hook instance scheduled twice at the same time
	s := NewScheduler()
	require.NoError(t, s.Schedule(RunHook(0), 10))
	require.NoError(t, s.Schedule(RunHook(0), 10))

	// WHEN drained
	got, _ := drain(s)

	// THEN both copies fire; nothing is deduplicated
	assert.Len(t, got, 2)
}

func TestScheduler_Cancel_DropsEveryPendingCopy(t *testing.T) {
	// GIVEN two pending copies of UpdateCar(1) and one of UpdateCar(2)
	s := NewScheduler()
	require.NoError(t, s.Schedule(UpdateCar(1), 10))
	require.NoError(t, s.Schedule(UpdateCar(1), 20))
	require.NoError(t, s.Schedule(UpdateCar(2), 15))

	// WHEN UpdateCar(1) is cancelled
	s.Cancel(UpdateCar(1))
	got, times := drain(s)

	// THEN only UpdateCar(2) is dispatched and both stale copies are counted
	assert.Equal(t, []Command{UpdateCar(2)}, got)
	assert.Equal(t, []Time{15}, times)
	assert.Equal(t, 2, s.Stale())
}

func TestScheduler_Cancel_LaterScheduleSurvives(t *testing.T) {
	// GIVEN a command cancelled and then scheduled again
	s := NewScheduler()
	require.NoError(t, s.Schedule(UpdatePed(0), 10))
	s.Cancel(UpdatePed(0))
	require.NoError(t, s.Schedule(UpdatePed(0), 30))

	// WHEN drained
	got, times := drain(s)

	// THEN the new copy fires and the old one does not
	assert.Equal(t, []Command{UpdatePed(0)}, got)
	assert.Equal(t, []Time{30}, times)
}

func TestScheduler_Reschedule_ReplacesPendingCopy(t *testing.T) {
	// GIVEN a car wake-up at 100
	s := NewScheduler()
	require.NoError(t, s.Schedule(UpdateCar(4), 100))

	// WHEN it is moved to 40
	require.NoError(t, s.Reschedule(UpdateCar(4), 40))

	// THEN it fires once, at 40
	got, times := drain(s)
	assert.Equal(t, []Command{UpdateCar(4)}, got)
	assert.Equal(t, []Time{40}, times)
}

func TestScheduler_Pending_TracksLiveCopies(t *testing.T) {
	s := NewScheduler()
	assert.False(t, s.Pending(UpdateCar(1)), "nothing scheduled")

	require.NoError(t, s.Schedule(UpdateCar(1), 10))
	require.NoError(t, s.Schedule(UpdateCar(1), 20))
	assert.True(t, s.Pending(UpdateCar(1)))
	assert.False(t, s.Pending(UpdateCar(2)))

	// one copy fired, one left
	_, _, ok := s.Next()
	require.True(t, ok)
	assert.True(t, s.Pending(UpdateCar(1)))
	_, _, ok = s.Next()
	require.True(t, ok)
	assert.False(t, s.Pending(UpdateCar(1)), "both copies fired")

	require.NoError(t, s.Reschedule(UpdateCar(1), 30))
	assert.True(t, s.Pending(UpdateCar(1)))
	s.Cancel(UpdateCar(1))
	assert.False(t, s.Pending(UpdateCar(1)), "cancelled")
}

func TestScheduler_ScheduleInPast_OrderingViolation(t *testing.T) {
	// GIVEN a scheduler whose clock stands at 50
	s := NewScheduler()
	require.NoError(t, s.Schedule(StartTrip(0), 50))
	_, _, ok := s.Next()
	require.True(t, ok)

	tests := []struct {
		name string
		call func() error
	}{
		{"Schedule", func() error { return s.Schedule(UpdateCar(0), 49) }},
		{"Reschedule", func() error { return s.Reschedule(UpdateCar(0), 10) }},
		{"AdvanceTo", func() error { return s.AdvanceTo(0) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// WHEN work is placed before now
			err := tc.call()

			// THEN it is refused as an ordering violation
			if !errors.Is(err, ErrOrderingViolation) {
				t.Errorf("%s: got %v, want ErrOrderingViolation", tc.name, err)
			}
		})
	}
	// AND scheduling exactly at now is fine
	assert.NoError(t, s.Schedule(UpdateCar(0), 50))
}

func TestScheduler_AdvanceTo_RefusesToSkipPendingCommand(t *testing.T) {
	// GIVEN a command due at 100
	s := NewScheduler()
	require.NoError(t, s.Schedule(UpdateIntersection(0), 100))

	// WHEN the clock is advanced up to it, then past it
	require.NoError(t, s.AdvanceTo(100))
	err := s.AdvanceTo(101)

	// THEN the first move succeeds and the second is refused
	assert.Equal(t, Time(100), s.Now())
	assert.ErrorIs(t, err, ErrOrderingViolation)
}

func TestScheduler_AdvanceTo_IgnoresCancelledCommand(t *testing.T) {
	// GIVEN a cancelled command due at 100
	s := NewScheduler()
	require.NoError(t, s.Schedule(UpdateCar(0), 100))
	s.Cancel(UpdateCar(0))

	// WHEN the clock is advanced past it
	err := s.AdvanceTo(500)

	// THEN nothing blocks the move
	require.NoError(t, err)
	assert.Equal(t, Time(500), s.Now())
	_, ok := s.PeekTime()
	assert.False(t, ok)
}

func TestScheduler_Next_EmptyKeepsClock(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AdvanceTo(70))
	_, at, ok := s.Next()
	if ok {
		t.Fatal("Next on an empty scheduler returned a command")
	}
	if at != 70 {
		t.Errorf("Next on an empty scheduler: got time %v, want 70", at)
	}
}
