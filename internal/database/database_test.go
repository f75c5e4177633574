package database_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/database"
	"miniquant/internal/testutils"
)

func TestMigrationsAndRunRepository(t *testing.T) {
	db := testutils.StartPostgres(t)
	ctx := context.Background()

	migrator, err := database.NewMigrator(ctx, db)
	require.NoError(t, err)
	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
	require.NoError(t, migrator.Close())
	require.NoError(t, db.HealthCheck(ctx), "pool stays open after migrator close")

	repo := database.NewRunRepository(db.DB)
	run := &database.RunRecord{
		ID:       uuid.New(),
		Strategy: "rsi_reversal",
		Status:   "pending",
		Source:   "api",
		Request:  json.RawMessage(`{"codes":["600000"]}`),
		Total:    25,
	}
	require.NoError(t, repo.Create(ctx, run))
	require.NoError(t, repo.MarkStarted(ctx, run.ID, time.Now()))
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 10, 25, "buy_threshold=30"))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 10, got.Progress)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.Result)
	assert.JSONEq(t, `{"codes":["600000"]}`, string(got.Request))

	score := 71.6
	run.Status = "completed"
	run.Progress = 25
	run.Result = json.RawMessage(`{"success_count":25}`)
	run.Diagnosis = json.RawMessage(`{"level":"robust"}`)
	run.Score = &score
	require.NoError(t, repo.Finish(ctx, run))

	got, err = repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, `{"success_count":25}`, string(got.Result))
	require.NotNil(t, got.Score)
	assert.InDelta(t, 71.6, *got.Score, 1e-9)
	assert.NotNil(t, got.FinishedAt)

	runs, err := repo.List(ctx, "completed", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, uuid.New(), 1, 1, ""), database.ErrNotFound)
}

func TestMarkInterrupted(t *testing.T) {
	db := testutils.StartPostgres(t)
	ctx := context.Background()
	repo := database.NewRunRepository(db.DB)

	for _, status := range []string{"pending", "running", "completed"} {
		require.NoError(t, repo.Create(ctx, &database.RunRecord{
			ID: uuid.New(), Strategy: "rsrs", Status: status, Source: "cron", Request: json.RawMessage(`{}`),
		}))
	}

	n, err := repo.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	failed, err := repo.List(ctx, "failed", 0)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestUserRepository(t *testing.T) {
	db := testutils.StartPostgres(t)
	ctx := context.Background()
	repo := database.NewUserRepository(db.DB)

	user, err := repo.CreateUser(ctx, "analyst", "s3cret-pass", "admin")
	require.NoError(t, err)

	got, err := repo.GetUserByUsername(ctx, "analyst")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.NoError(t, database.ValidatePassword("s3cret-pass", got.PasswordHash))
	assert.Error(t, database.ValidatePassword("wrong", got.PasswordHash))

	_, err = repo.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)

	session, err := repo.CreateUserSession(ctx, user.ID, "refresh-token", time.Now().Add(time.Hour))
	require.NoError(t, err)
	found, err := repo.GetUserSessionByToken(ctx, "refresh-token")
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)

	require.NoError(t, repo.DeleteUserSession(ctx, session.ID))
	_, err = repo.GetUserSessionByToken(ctx, "refresh-token")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
