package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const statusKey = "status"

type CheckpointProvider interface {
	GetLastProcessedBlock() (uint64, error)
	GetSkippedLogs() ([]string, error)
}

type HeadProvider interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

type PositionCounter interface {
	Count(ctx context.Context) (active int64, total int64, err error)
}

type ActivePositionsGauge interface {
	SetActivePositions(count int64)
}

type Status struct {
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
	ChainHead          uint64 `json:"chainHead"`
	SkippedLogs        int    `json:"skippedLogs"`
	ActivePositions    int64  `json:"activePositions"`
	TotalPositions     int64  `json:"totalPositions"`
}

// StatusCache builds the status from the stores and the chain and keeps it for the cache ttl.
type StatusCache struct {
	checkpoints CheckpointProvider
	head        HeadProvider
	positions   PositionCounter
	gauge       ActivePositionsGauge
	cache       *ttlcache.Cache[string, *Status]
	lock        sync.Mutex
}

func NewStatusCache(checkpoints CheckpointProvider, head HeadProvider, positions PositionCounter, gauge ActivePositionsGauge, ttl time.Duration) *StatusCache {
	cache := ttlcache.New[string, *Status](
		ttlcache.WithTTL[string, *Status](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Status](), // don't refresh ttl upon getting the item from cache
	)
	return &StatusCache{
		checkpoints: checkpoints,
		head:        head,
		positions:   positions,
		gauge:       gauge,
		cache:       cache,
	}
}

// Start removes expired items until Stop is called.
func (s *StatusCache) Start() {
	s.cache.Start()
}

func (s *StatusCache) Stop() {
	s.cache.Stop()
}

func (s *StatusCache) GetStatus(ctx context.Context) (*Status, error) {
	s.lock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer s.lock.Unlock()

	item := s.cache.Get(statusKey)
	if item != nil {
		return item.Value(), nil
	}

	status, err := s.createStatus(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(statusKey, status, ttlcache.DefaultTTL)
	return status, nil
}

func (s *StatusCache) createStatus(ctx context.Context) (*Status, error) {
	var status Status

	lastProcessed, err := s.checkpoints.GetLastProcessedBlock()
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return nil, errors.Wrap(err, "getting last processed block")
	}
	status.LastProcessedBlock = lastProcessed

	skipped, err := s.checkpoints.GetSkippedLogs()
	if err != nil {
		return nil, errors.Wrap(err, "getting skipped logs")
	}
	status.SkippedLogs = len(skipped)

	status.ChainHead, err = s.head.LatestBlock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting chain head")
	}

	status.ActivePositions, status.TotalPositions, err = s.positions.Count(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "counting positions")
	}
	if s.gauge != nil {
		s.gauge.SetActivePositions(status.ActivePositions)
	}
	return &status, nil
}

type StatusHandler struct {
	cache  *StatusCache
	logger *zap.SugaredLogger
}

func NewStatusHandler(cache *StatusCache, logger *zap.SugaredLogger) *StatusHandler {
	return &StatusHandler{cache: cache, logger: logger}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, err := h.cache.GetStatus(r.Context())
	if err != nil {
		h.logger.Errorw("Error creating status.", "error", err)
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Errorw("Error writing status response.", "error", err)
	}
}
