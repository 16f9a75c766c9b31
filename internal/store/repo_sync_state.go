package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.co/backfill/common/id"
	"basegraph.co/backfill/core/db"
	"basegraph.co/backfill/internal/model"
)

const repoSyncStateColumns = `id, subscription_id, repository_id, repository_name, repository_path, repository_url,
	default_branch, task_states, created_at, updated_at`

type repoSyncStateStore struct {
	conn db.DBTX
}

func newRepoSyncStateStore(conn db.DBTX) RepoSyncStateStore {
	return &repoSyncStateStore{conn: conn}
}

func (s *repoSyncStateStore) InsertDiscovered(ctx context.Context, subscriptionID int64, repos []model.RepositoryRef) (int, error) {
	inserted := 0
	for _, repo := range repos {
		tag, err := s.conn.Exec(ctx, `
			INSERT INTO repo_sync_states (id, subscription_id, repository_id, repository_name, repository_path, repository_url, default_branch)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (subscription_id, repository_id) DO NOTHING`,
			id.New(), subscriptionID, repo.ID, repo.Name, repo.PathWithNS, repo.WebURL, repo.DefaultBranch,
		)
		if err != nil {
			return inserted, fmt.Errorf("inserting repository %d: %w", repo.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *repoSyncStateStore) FindPending(ctx context.Context, subscriptionID int64, types []model.TaskType, limit int) ([]model.RepoSyncState, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+repoSyncStateColumns+`
		FROM repo_sync_states
		WHERE subscription_id = $1
		  AND EXISTS (
			SELECT 1 FROM unnest($2::text[]) AS t(task_type)
			WHERE coalesce(task_states -> t.task_type ->> 'status', 'pending') = 'pending'
		  )
		ORDER BY id DESC
		LIMIT $3`,
		subscriptionID, taskTypeStrings(types), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.RepoSyncState
	for rows.Next() {
		state, err := scanRepoSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repo sync state: %w", err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

func (s *repoSyncStateStore) GetTask(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType) (model.TaskRecord, error) {
	var record *model.TaskRecord
	err := s.conn.QueryRow(ctx, `
		SELECT task_states -> $3::text
		FROM repo_sync_states
		WHERE subscription_id = $1 AND repository_id = $2`,
		subscriptionID, repositoryID, string(taskType),
	).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TaskRecord{}, ErrNotFound
		}
		return model.TaskRecord{}, err
	}
	if record == nil {
		return model.TaskRecord{Status: model.TaskStatusPending}, nil
	}
	return *record, nil
}

func (s *repoSyncStateStore) SetTaskState(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType, state model.TaskState) error {
	status := state.Status
	if status == "" {
		status = model.TaskStatusPending
	}
	return s.mergeTask(ctx, subscriptionID, repositoryID, taskType, map[string]any{
		"status": string(status),
		"cursor": state.Cursor,
	})
}

func (s *repoSyncStateStore) SetTaskFailedAttempts(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType, count int) error {
	return s.mergeTask(ctx, subscriptionID, repositoryID, taskType, map[string]any{
		"failed_attempts": count,
	})
}

// mergeTask merges fields into a single task entry of task_states. The row
// lock taken by UPDATE makes the read-modify-write atomic per row.
func (s *repoSyncStateStore) mergeTask(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType, fields map[string]any) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE repo_sync_states
		SET task_states = jsonb_set(
				task_states,
				ARRAY[$3::text],
				coalesce(task_states -> $3::text, '{}'::jsonb) || $4::jsonb,
				true),
			updated_at = now()
		WHERE subscription_id = $1 AND repository_id = $2`,
		subscriptionID, repositoryID, string(taskType), fields,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *repoSyncStateStore) ResetTasks(ctx context.Context, subscriptionID int64, types []model.TaskType) error {
	reset := make(map[string]model.TaskRecord, len(types))
	for _, t := range types {
		reset[string(t)] = model.TaskRecord{Status: model.TaskStatusPending}
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE repo_sync_states
		SET task_states = task_states || $2::jsonb, updated_at = now()
		WHERE subscription_id = $1`,
		subscriptionID, reset,
	)
	return err
}

func (s *repoSyncStateStore) StatusCounts(ctx context.Context, subscriptionID int64, types []model.TaskType) (map[model.TaskType]map[model.TaskStatus]int, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT t.task_type,
			coalesce(r.task_states -> t.task_type ->> 'status', 'pending') AS status,
			count(*)
		FROM repo_sync_states r
		CROSS JOIN unnest($2::text[]) AS t(task_type)
		WHERE r.subscription_id = $1
		GROUP BY 1, 2`,
		subscriptionID, taskTypeStrings(types),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.TaskType]map[model.TaskStatus]int, len(types))
	for rows.Next() {
		var (
			taskType, status string
			n                int64
		)
		if err := rows.Scan(&taskType, &status, &n); err != nil {
			return nil, err
		}
		t := model.TaskType(taskType)
		if counts[t] == nil {
			counts[t] = make(map[model.TaskStatus]int)
		}
		counts[t][model.TaskStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *repoSyncStateStore) CountFullySynced(ctx context.Context, subscriptionID int64, types []model.TaskType) (int, error) {
	var n int64
	err := s.conn.QueryRow(ctx, `
		SELECT count(*)
		FROM repo_sync_states
		WHERE subscription_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM unnest($2::text[]) AS t(task_type)
			WHERE coalesce(task_states -> t.task_type ->> 'status', 'pending') = 'pending'
		  )`,
		subscriptionID, taskTypeStrings(types),
	).Scan(&n)
	return int(n), err
}

func scanRepoSyncState(row pgx.Row) (*model.RepoSyncState, error) {
	var state model.RepoSyncState
	err := row.Scan(
		&state.ID, &state.SubscriptionID, &state.Repository.ID, &state.Repository.Name,
		&state.Repository.PathWithNS, &state.Repository.WebURL, &state.Repository.DefaultBranch,
		&state.Tasks, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if state.Tasks == nil {
		state.Tasks = make(map[model.TaskType]model.TaskRecord)
	}
	return &state, nil
}
