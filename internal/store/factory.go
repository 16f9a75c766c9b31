package store

import (
	"context"

	"basegraph.co/backfill/core/db"
	"basegraph.co/backfill/internal/model"
)

type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Subscriptions() SubscriptionStore {
	return newSubscriptionStore(s.conn)
}

func (s *Stores) RepoSyncStates() RepoSyncStateStore {
	return newRepoSyncStateStore(s.conn)
}

// TaskJobs returns the job store the backfill looper persists through.
func (s *Stores) TaskJobs() *TaskJobStore {
	return NewTaskJobStore(s.Subscriptions(), s.RepoSyncStates())
}

// Discovery returns the store repository discovery writes through.
func (s *Stores) Discovery() *DiscoveryStore {
	return &DiscoveryStore{
		subs:  s.Subscriptions(),
		repos: s.RepoSyncStates(),
	}
}

type DiscoveryStore struct {
	subs  SubscriptionStore
	repos RepoSyncStateStore
}

func NewDiscoveryStore(subs SubscriptionStore, repos RepoSyncStateStore) *DiscoveryStore {
	return &DiscoveryStore{subs: subs, repos: repos}
}

func (d *DiscoveryStore) InsertDiscovered(ctx context.Context, subscriptionID int64, repos []model.RepositoryRef) (int, error) {
	return d.repos.InsertDiscovered(ctx, subscriptionID, repos)
}

func (d *DiscoveryStore) AddTotalRepositories(ctx context.Context, subscriptionID int64, delta int) error {
	return d.subs.AddTotalRepositories(ctx, subscriptionID, delta)
}
