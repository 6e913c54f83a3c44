package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// ManagerConfig controls the periodic background tasks. A zero interval disables the task.
type ManagerConfig struct {
	Workers         int
	SyncInterval    time.Duration
	SyncTransform   bool
	RefreshInterval time.Duration
	// RefreshWindow refreshes tokens expiring within this window of now.
	RefreshWindow time.Duration
}

// LoadManagerConfig reads POS_SYNC_* and POS_TOKEN_REFRESH_* from the environment.
func LoadManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:         env.GetInt("POS_SYNC_WORKERS", DefaultWorkers),
		SyncInterval:    env.GetDuration("POS_SYNC_INTERVAL", time.Hour),
		SyncTransform:   env.GetBool("POS_SYNC_TRANSFORM", true),
		RefreshInterval: env.GetDuration("POS_TOKEN_REFRESH_INTERVAL", 15*time.Minute),
		RefreshWindow:   env.GetDuration("POS_TOKEN_REFRESH_WINDOW", 24*time.Hour),
	}
}

// AdapterResolver returns the ready adapter for a provider or nil. *pos.Registry implements it.
type AdapterResolver interface {
	Get(provider string) pos.Adapter
}

// Manager owns the queue and the periodic scheduling of background syncs
type Manager struct {
	queue       *Queue
	connections repository.ConnectionRepository
	adapters    AdapterResolver
	cfg         ManagerConfig
	now         func() time.Time

	syncTicker    *time.Ticker
	refreshTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a manager around an existing queue
func NewManager(queue *Queue, connections repository.ConnectionRepository, adapters AdapterResolver, cfg ManagerConfig) *Manager {
	return &Manager{
		queue:       queue,
		connections: connections,
		adapters:    adapters,
		cfg:         cfg,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.cfg.SyncInterval > 0 {
		m.syncTicker = time.NewTicker(m.cfg.SyncInterval)
		m.wg.Add(1)
		go m.syncScheduler()
	}
	if m.cfg.RefreshInterval > 0 {
		m.refreshTicker = time.NewTicker(m.cfg.RefreshInterval)
		m.wg.Add(1)
		go m.tokenRefresher()
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.syncTicker != nil {
		m.syncTicker.Stop()
	}
	if m.refreshTicker != nil {
		m.refreshTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) syncScheduler() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started sync scheduler (interval: %s)", m.cfg.SyncInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Sync scheduler stopping")
			return
		case <-m.syncTicker.C:
			n, err := m.ScheduleSyncs(context.Background())
			if err != nil {
				log.Errorf("[JobQueue Manager] Error scheduling syncs: %v", err)
				continue
			}
			log.Debugf("[JobQueue Manager] Scheduled %d incremental inventory syncs", n)
		}
	}
}

func (m *Manager) tokenRefresher() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started token refresher (interval: %s)", m.cfg.RefreshInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Token refresher stopping")
			return
		case <-m.refreshTicker.C:
			if _, err := m.RefreshExpiringTokens(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Error refreshing tokens: %v", err)
			}
		}
	}
}

// ScheduleSyncs enqueues an incremental inventory sync for every active
// connection that no worker is currently syncing.
func (m *Manager) ScheduleSyncs(ctx context.Context) (int, error) {
	conns, err := m.connections.ListByStatus(ctx, models.ConnectionStatusActive)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, conn := range conns {
		if m.adapters != nil && m.adapters.Get(conn.Provider) == nil {
			continue
		}
		locked, err := m.queue.SyncLocked(ctx, conn.ID)
		if err != nil {
			return scheduled, err
		}
		if locked {
			continue
		}
		if _, err := m.queue.EnqueueInventorySync(ctx, SyncInventoryJobPayload{
			ConnectionID: conn.ID,
			Incremental:  true,
			Transform:    m.cfg.SyncTransform,
		}); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// RefreshExpiringTokens refreshes the tokens of active connections that expire
// within the refresh window. Failures are logged and leave the connection in error state.
func (m *Manager) RefreshExpiringTokens(ctx context.Context) (int, error) {
	if m.adapters == nil {
		return 0, nil
	}
	conns, err := m.connections.ListByStatus(ctx, models.ConnectionStatusActive)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	now := m.now()
	for i := range conns {
		conn := &conns[i]
		if !conn.IsTokenExpired(now, m.cfg.RefreshWindow) {
			continue
		}
		adapter := m.adapters.Get(conn.Provider)
		if adapter == nil {
			continue
		}
		if _, err := adapter.RefreshAuth(ctx, conn); err != nil {
			log.Warnf("[JobQueue Manager] Token refresh failed for connection %d (%s): %v", conn.ID, conn.Provider, err)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		log.Infof("[JobQueue Manager] Refreshed %d POS tokens", refreshed)
	}
	return refreshed, nil
}
