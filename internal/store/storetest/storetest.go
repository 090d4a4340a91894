// Package storetest holds behaviour checks shared by every store.Repository implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/craftvisor/internal/store"
)

// Run exercises repo against the Repository contract. repo must be empty.
func Run(t *testing.T, repo store.Repository) {
	t.Helper()
	t.Run("Servers", func(t *testing.T) { servers(t, repo) })
	t.Run("Commands", func(t *testing.T) { commands(t, repo) })
	t.Run("Schedules", func(t *testing.T) { schedules(t, repo) })
}

func servers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id, err := repo.UpsertServer(ctx, store.Server{
		Name:           "Survival",
		Path:           "/srv/survival",
		Executable:     "server.jar",
		StopCommand:    "stop",
		CrashDetection: true,
		AutoStartDelay: 15 * time.Second,
		MaxBackups:     2,
		BackupExcludes: []string{"logs", "cache"},
		Highlights:     map[string]string{"ERROR": "text-danger"},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	s, err := repo.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Survival", s.Name)
	assert.Equal(t, 15*time.Second, s.AutoStartDelay)
	assert.Equal(t, []string{"logs", "cache"}, s.BackupExcludes)
	assert.Equal(t, "text-danger", s.Highlights["ERROR"])
	assert.True(t, s.FirstRun)
	assert.False(t, s.Crashed)

	first, err := repo.GetFirstRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)
	require.NoError(t, repo.SetFirstRun(ctx, id))
	first, err = repo.GetFirstRun(ctx, id)
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, repo.SetServerFlag(ctx, id, store.FlagCrashed, true))
	require.NoError(t, repo.SetServerFlag(ctx, id, store.FlagWaitingStart, true))
	s, err = repo.GetServer(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.Crashed)
	assert.True(t, s.WaitingStart)
	assert.False(t, s.Updating)
	assert.Error(t, repo.SetServerFlag(ctx, id, store.Flag("bogus"), true))

	// upsert by id keeps runtime flags
	s.Name = "Survival 2"
	_, err = repo.UpsertServer(ctx, s)
	require.NoError(t, err)
	s, err = repo.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Survival 2", s.Name)
	assert.True(t, s.Crashed)

	list, err := repo.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetServer(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, repo.SetServerFlag(ctx, 9999, store.FlagUpdating, true), store.ErrNotFound)

	require.NoError(t, repo.DeleteServer(ctx, id))
	_, err = repo.GetServer(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func commands(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id1, err := repo.EnqueueCommand(ctx, store.Command{ServerID: 1, UserID: 7, RemoteIP: "127.0.0.1", Command: "start_server"})
	require.NoError(t, err)
	id2, err := repo.EnqueueCommand(ctx, store.Command{ServerID: 1, Command: "say hi"})
	require.NoError(t, err)

	pending, err := repo.GetUnexecutedCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, int64(7), pending[0].UserID)
	assert.Equal(t, "start_server", pending[0].Command)
	assert.False(t, pending[0].Executed)

	require.NoError(t, repo.MarkCommandComplete(ctx, id1))
	pending, err = repo.GetUnexecutedCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	require.NoError(t, repo.MarkCommandComplete(ctx, id2))
	assert.ErrorIs(t, repo.MarkCommandComplete(ctx, 9999), store.ErrNotFound)
}

func schedules(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 4, 30, 0, 0, time.UTC)
	parentID, err := repo.CreateSchedule(ctx, store.Schedule{
		ServerID: 1, Name: "nightly", Action: "backup_server", Interval: 1,
		IntervalType: store.IntervalDays, StartTime: start, Enabled: true,
	})
	require.NoError(t, err)

	childID, err := repo.CreateSchedule(ctx, store.Schedule{
		ServerID: 1, Name: "after backup", Action: store.ActionCommand, Command: "say backup done",
		IntervalType: store.IntervalReaction, Enabled: true, ParentID: &parentID, DelaySeconds: 30,
	})
	require.NoError(t, err)

	disabledID, err := repo.CreateSchedule(ctx, store.Schedule{
		ServerID: 1, Action: "restart_server", IntervalType: store.IntervalCron, CronExpression: "0 4 * * *",
	})
	require.NoError(t, err)

	got, err := repo.GetSchedule(ctx, parentID)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(start))
	assert.Nil(t, got.ParentID)
	assert.Equal(t, "backup_server", got.DispatchCommand())

	child, err := repo.GetSchedule(ctx, childID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parentID, *child.ParentID)
	assert.Equal(t, "say backup done", child.DispatchCommand())

	enabled, err := repo.GetEnabledSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	kids, err := repo.GetChildSchedules(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, childID, kids[0].ID)

	// a schedule can not be its own parent
	self := got
	self.ParentID = &self.ID
	self.Name = "renamed"
	require.NoError(t, repo.UpdateSchedule(ctx, self))
	got, err = repo.GetSchedule(ctx, parentID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, "renamed", got.Name)

	missing := got
	missing.ID = 9999
	assert.ErrorIs(t, repo.UpdateSchedule(ctx, missing), store.ErrNotFound)

	require.NoError(t, repo.DeleteSchedule(ctx, parentID))
	child, err = repo.GetSchedule(ctx, childID)
	require.NoError(t, err)
	assert.Nil(t, child.ParentID)

	all, err := repo.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.NoError(t, repo.DeleteSchedule(ctx, disabledID))
	_, err = repo.GetSchedule(ctx, disabledID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
