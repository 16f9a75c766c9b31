package service

import (
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/store"
)

type ServicesConfig struct {
	Stores   *store.Stores
	TxRunner TxRunner
	Producer queue.Producer
	Types    TaskTypeResolver
}

type Services struct {
	stores   *store.Stores
	txRunner TxRunner
	producer queue.Producer
	types    TaskTypeResolver
}

func NewServices(cfg ServicesConfig) *Services {
	return &Services{
		stores:   cfg.Stores,
		txRunner: cfg.TxRunner,
		producer: cfg.Producer,
		types:    cfg.Types,
	}
}

func (s *Services) Backfill() BackfillService {
	return NewBackfillService(s.stores, s.txRunner, s.producer, s.types)
}
