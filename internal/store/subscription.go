package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"basegraph.co/backfill/core/db"
	"basegraph.co/backfill/internal/model"
)

const subscriptionColumns = `id, name, gitlab_url, access_token, backfill_status, backfill_error, target_tasks,
	backfill_since, security_enabled, repository_status, repository_cursor, repository_failed_attempts,
	total_repositories, rate_limit_budget_left, rate_limit_refresh_at, last_tick_at, created_at, updated_at`

type subscriptionStore struct {
	conn db.DBTX
}

func newSubscriptionStore(conn db.DBTX) SubscriptionStore {
	return &subscriptionStore{conn: conn}
}

func (s *subscriptionStore) Create(ctx context.Context, sub *model.Subscription) error {
	row := s.conn.QueryRow(ctx, `
		INSERT INTO subscriptions (id, name, gitlab_url, access_token, backfill_status, target_tasks, backfill_since, security_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+subscriptionColumns,
		sub.ID, sub.Name, sub.GitLabURL, sub.AccessToken, string(sub.BackfillStatus),
		taskTypeStrings(sub.TargetTasks), sub.BackfillSince, sub.SecurityEnabled,
	)
	created, err := scanSubscription(row)
	if err != nil {
		return err
	}
	*sub = *created
	return nil
}

func (s *subscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (s *subscriptionStore) List(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

func (s *subscriptionStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE backfill_status = $1 AND (last_tick_at IS NULL OR last_tick_at < $2)
		ORDER BY last_tick_at NULLS FIRST
		LIMIT $3`,
		string(model.BackfillStatusActive), before, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

func (s *subscriptionStore) StartBackfill(ctx context.Context, id int64, params StartBackfillParams) (*model.Subscription, error) {
	row := s.conn.QueryRow(ctx, `
		UPDATE subscriptions SET
			backfill_status = $2,
			backfill_error = NULL,
			target_tasks = $3,
			backfill_since = coalesce($4, backfill_since),
			repository_status = CASE WHEN $5 THEN 'pending' ELSE repository_status END,
			repository_cursor = CASE WHEN $5 THEN '' ELSE repository_cursor END,
			repository_failed_attempts = 0,
			last_tick_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, string(model.BackfillStatusActive), taskTypeStrings(params.TargetTasks), params.Since, params.FullResync,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

func (s *subscriptionStore) SetBackfillStatus(ctx context.Context, id int64, status model.BackfillStatus, errMsg *string) error {
	return s.exec(ctx, `UPDATE subscriptions SET backfill_status = $2, backfill_error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
}

func (s *subscriptionStore) SetRepositoryState(ctx context.Context, id int64, state model.TaskState) error {
	status := state.Status
	if status == "" {
		status = model.TaskStatusPending
	}
	return s.exec(ctx, `UPDATE subscriptions SET repository_status = $2, repository_cursor = $3, updated_at = now() WHERE id = $1`,
		id, string(status), state.Cursor)
}

func (s *subscriptionStore) SetRepositoryFailedAttempts(ctx context.Context, id int64, count int) error {
	return s.exec(ctx, `UPDATE subscriptions SET repository_failed_attempts = $2, updated_at = now() WHERE id = $1`, id, count)
}

func (s *subscriptionStore) AddTotalRepositories(ctx context.Context, id int64, delta int) error {
	return s.exec(ctx, `UPDATE subscriptions SET total_repositories = total_repositories + $2, updated_at = now() WHERE id = $1`, id, delta)
}

func (s *subscriptionStore) SetRateLimit(ctx context.Context, id int64, budgetLeft *int, refreshAt *time.Time) error {
	return s.exec(ctx, `UPDATE subscriptions SET rate_limit_budget_left = $2, rate_limit_refresh_at = $3 WHERE id = $1`,
		id, budgetLeft, refreshAt)
}

func (s *subscriptionStore) TouchLastTick(ctx context.Context, id int64, at time.Time) error {
	return s.exec(ctx, `UPDATE subscriptions SET last_tick_at = $2 WHERE id = $1`, id, at)
}

func (s *subscriptionStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		sub            model.Subscription
		status         string
		repoStatus     string
		targetTasks    []string
		budgetLeft     *int32
		failedAttempts int32
		totalRepos     int32
	)
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.GitLabURL, &sub.AccessToken, &status, &sub.BackfillError, &targetTasks,
		&sub.BackfillSince, &sub.SecurityEnabled, &repoStatus, &sub.RepositoryCursor, &failedAttempts,
		&totalRepos, &budgetLeft, &sub.RateLimitRefreshAt, &sub.LastTickAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.BackfillStatus = model.BackfillStatus(status)
	sub.RepositoryStatus = model.TaskStatus(repoStatus)
	sub.RepositoryFailedAttempts = int(failedAttempts)
	sub.TotalRepositories = int(totalRepos)
	if budgetLeft != nil {
		b := int(*budgetLeft)
		sub.RateLimitBudgetLeft = &b
	}
	for _, t := range targetTasks {
		sub.TargetTasks = append(sub.TargetTasks, model.TaskType(t))
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]model.Subscription, error) {
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func taskTypeStrings(types []model.TaskType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
