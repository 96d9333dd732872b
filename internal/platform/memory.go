package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"ad-rule-engine/internal/engine"
)

// Memory is a sandbox AdPlatform that records changes in process. Unknown
// objects start ACTIVE with DefaultBudget.
type Memory struct {
	mu            sync.Mutex
	status        map[engine.ObjectID]engine.PlatformStatus
	budget        map[engine.ObjectID]float64
	DefaultBudget float64
}

func NewMemory() *Memory {
	return &Memory{
		status:        map[engine.ObjectID]engine.PlatformStatus{},
		budget:        map[engine.ObjectID]float64{},
		DefaultBudget: 50,
	}
}

// Seed sets the initial state of an object.
func (m *Memory) Seed(id engine.ObjectID, status engine.PlatformStatus, budget float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[id] = status
	m.budget[id] = budget
}

func (m *Memory) SetStatus(_ context.Context, obj engine.ObjectRef, status engine.PlatformStatus) error {
	if status != engine.StatusActive && status != engine.StatusPaused {
		return fmt.Errorf("set status %s: unsupported status %q", obj.ID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[obj.ID] = status
	log.Info().Str("object_id", string(obj.ID)).Str("status", string(status)).Msg("sandbox platform: status changed")
	return nil
}

func (m *Memory) SetBudget(_ context.Context, obj engine.ObjectRef, dailyBudget float64) error {
	if obj.Kind == engine.KindAd {
		return fmt.Errorf("set budget %s: ads have no budget", obj.ID)
	}
	if dailyBudget <= 0 {
		return fmt.Errorf("set budget %s: invalid budget %v", obj.ID, dailyBudget)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget[obj.ID] = dailyBudget
	log.Info().Str("object_id", string(obj.ID)).Float64("daily_budget", dailyBudget).Msg("sandbox platform: budget changed")
	return nil
}

func (m *Memory) CurrentBudget(_ context.Context, obj engine.ObjectRef) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.budget[obj.ID]; ok {
		return b, nil
	}
	return m.DefaultBudget, nil
}

func (m *Memory) CurrentStatus(_ context.Context, obj engine.ObjectRef) (engine.PlatformStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[obj.ID]; ok {
		return s, nil
	}
	return engine.StatusActive, nil
}

var (
	_ engine.AdPlatform = (*Memory)(nil)
	_ engine.AdPlatform = (*Graph)(nil)
)
