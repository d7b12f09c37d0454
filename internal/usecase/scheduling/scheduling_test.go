package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/fabrictest"
	"agentfabric/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counting(n *atomic.Int32) ActionFunc {
	return func(context.Context, Task) error {
		n.Add(1)
		return nil
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32
	var gotTag atomic.Value

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionBackup, func(_ context.Context, task Task) error {
		count.Add(1)
		gotTag.Store(task.Tag)
		return nil
	})
	if err := s.AddTask(Task{Name: "backup", Schedule: "50ms", Action: ActionBackup, Tag: "nightly"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
	if tag, _ := gotTag.Load().(string); tag != "nightly" {
		t.Errorf("task tag = %q, want nightly", tag)
	}
}

func TestSchedulerRejectsUnknownActionAndDuplicates(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.AddTask(Task{Name: "x", Schedule: "100ms", Action: "does_not_exist"}); err == nil {
		t.Error("expected error for unknown action")
	}

	var n atomic.Int32
	s.RegisterAction(ActionCleanup, counting(&n))
	if err := s.AddTask(Task{Name: "c", Schedule: "1h", Action: ActionCleanup}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(Task{Name: "c", Schedule: "2h", Action: ActionCleanup}); err == nil {
		t.Error("expected error for duplicate task name")
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, counting(&n))
	if err := s.AddTask(Task{Name: "bad", Schedule: "whenever", Action: ActionHealthCheck}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, counting(&count))
	s.AddTask(Task{Name: "health", Schedule: "50ms", Action: ActionHealthCheck})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerActionError(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionOptimize, func(context.Context, Task) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(Task{Name: "failing", Schedule: "50ms", Action: ActionOptimize})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestSchedulerOneShot(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionBackup, counting(&count))
	s.AddTask(Task{Name: "once", Schedule: "50ms", Action: ActionBackup, OneShot: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(300 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c != 1 {
		t.Errorf("one-shot task fired %d times, want 1", c)
	}
	if s.NextRun("once") != nil {
		t.Error("one-shot task still scheduled")
	}
}

func TestSchedulerNextRunAndRemove(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthCheck, counting(&n))
	s.AddTask(Task{Name: "hourly", Schedule: "1h", Action: ActionHealthCheck})

	s.Start(context.Background())
	defer s.Stop()

	next := s.NextRun("hourly")
	if next == nil {
		t.Fatal("NextRun returned nil for a scheduled task")
	}
	if d := time.Until(*next); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("next run in %s, want about 1h", d)
	}

	if err := s.RemoveTask("hourly"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if s.NextRun("hourly") != nil {
		t.Error("removed task still has a next run")
	}
	if err := s.RemoveTask("hourly"); err == nil {
		t.Error("expected error removing unknown task")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@daily", false},
		{"30m", false},
		{"100ms", false},
		{"", true},
		{"-5m", true},
		{"not a schedule", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseSchedule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}

	sched, _ := ParseSchedule("100ms")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(base); !got.Equal(base.Add(100 * time.Millisecond)) {
		t.Errorf("Next = %v", got)
	}
}

func TestTasksFromConfig(t *testing.T) {
	tasks := TasksFromConfig(config.Defaults().Scheduler)
	require.Len(t, tasks, 2)
	assert.Equal(t, ActionBackup, tasks[0].Action)
	assert.Equal(t, "scheduled", tasks[0].Tag)
	assert.Equal(t, ActionHealthCheck, tasks[1].Action)
}

func TestRegisterMaintenanceBackup(t *testing.T) {
	coord := fabrictest.NewCoordinator(t)
	reg := fabrictest.Registry(t, coord)
	fabrictest.RegisterTool(t, reg, "word_count", "Count words in text")

	s := NewScheduler(newTestLogger())
	RegisterMaintenance(s, coord, newTestLogger())

	s.mu.Lock()
	backup := s.actions[ActionBackup]
	health := s.actions[ActionHealthCheck]
	s.mu.Unlock()
	require.NotNil(t, backup)
	require.NotNil(t, health)

	require.NoError(t, backup(context.Background(), Task{Name: "b", Action: ActionBackup, Tag: "test"}))
	require.NoError(t, health(context.Background(), Task{Name: "h", Action: ActionHealthCheck}))

	backups, err := reg.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "test", backups[0].Metadata.Tag)
	_, err = os.Stat(filepath.Join(backups[0].Path, "tools.json"))
	assert.NoError(t, err)
}
