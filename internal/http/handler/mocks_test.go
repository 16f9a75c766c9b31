package handler_test

import (
	"context"

	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/service"
)

type mockBackfillService struct {
	createSubscriptionFn func(ctx context.Context, params service.CreateSubscriptionParams) (*model.Subscription, error)
	startBackfillFn      func(ctx context.Context, subscriptionID int64, params service.StartBackfillParams) (*model.Subscription, error)
	statusFn             func(ctx context.Context, subscriptionID int64) (*model.BackfillProgress, error)
	kickFn               func(ctx context.Context, subscriptionID int64) error
}

func (m *mockBackfillService) CreateSubscription(ctx context.Context, params service.CreateSubscriptionParams) (*model.Subscription, error) {
	if m.createSubscriptionFn != nil {
		return m.createSubscriptionFn(ctx, params)
	}
	return nil, nil
}

func (m *mockBackfillService) StartBackfill(ctx context.Context, subscriptionID int64, params service.StartBackfillParams) (*model.Subscription, error) {
	if m.startBackfillFn != nil {
		return m.startBackfillFn(ctx, subscriptionID, params)
	}
	return nil, nil
}

func (m *mockBackfillService) Status(ctx context.Context, subscriptionID int64) (*model.BackfillProgress, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, subscriptionID)
	}
	return nil, nil
}

func (m *mockBackfillService) Kick(ctx context.Context, subscriptionID int64) error {
	if m.kickFn != nil {
		return m.kickFn(ctx, subscriptionID)
	}
	return nil
}
