// Package fleet keeps the set of running robot managers aligned with the
// robot inventory. Reconciliation is level-based: every reload derives the
// desired manager set from the inventory and starts, restarts, or stops
// managers until the running set matches.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/robot"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/scanloop"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// RobotRecord is one inventory row as the registry consumes it. Zero ports
// fall back to the process-wide defaults.
type RobotRecord struct {
	ID                string
	Name              string
	IPAddress         string
	BridgePort        int
	MappingBridgePort int
	Channels          []robot.ChannelConfig
	Teleop            *robot.TeleopLimits
	LaserOffset       *transform.Transform
}

// Inventory is the registry's view of the robot store.
type Inventory interface {
	ListRobots(ctx context.Context) ([]RobotRecord, error)
}

// ManagerHandle is the slice of robot.Manager the registry and the client
// fan-out depend on. Injectable for testing via Config.NewManager.
type ManagerHandle interface {
	ID() string
	Start()
	Stop()
	HandleCommand(channel string, payload json.RawMessage) error
	Subscribe(fn robot.EventFunc) func()
	ConnectionStatus() map[string]bool
}

// NewManagerFunc builds a manager for one derived robot config.
type NewManagerFunc func(cfg robot.ManagerConfig) ManagerHandle

// Config configures a Registry.
type Config struct {
	Inventory Inventory
	Logger    *zap.Logger

	// DefaultBridgePort applies when an inventory row has no bridge port.
	DefaultBridgePort int
	// MappingBridgePort, when non-zero, enables the mapping connection
	// fleet-wide; per-robot ports override it.
	MappingBridgePort int

	ReloadInterval time.Duration
	NewManager     NewManagerFunc // nil → real robot.Manager
}

// entry pairs a running manager with the canonical key of the config it was
// built from.
type entry struct {
	mgr ManagerHandle
	key robot.Key
}

// Registry maintains robotId → running manager. The manager map is read
// concurrently by the client fan-out while reloads mutate it.
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	managers *xsync.Map[string, *entry]

	reloadMu sync.Mutex // serializes reconciliation
	errMu    sync.Mutex
	lastErr  error

	closeOnce sync.Once
}

// New builds a registry. No managers run until the first Reload.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NewManager == nil {
		cfg.NewManager = func(mc robot.ManagerConfig) ManagerHandle {
			return robot.NewManager(mc)
		}
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = scanloop.DefaultMinInterval
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.Named("fleet"),
		managers: xsync.NewMap[string, *entry](),
	}
}

// Run reloads immediately, then on a jittered interval until stopCh closes.
func (r *Registry) Run(stopCh <-chan struct{}) {
	if err := r.Reload(context.Background()); err != nil {
		r.logger.Warn("initial fleet reload failed", zap.Error(err))
	}
	scanloop.Run(stopCh, r.cfg.ReloadInterval, scanloop.DefaultJitterRange, func() {
		if err := r.Reload(context.Background()); err != nil {
			r.logger.Warn("fleet reload failed", zap.Error(err))
		}
	})
}

// Reload reconciles the running manager set against the inventory. On
// inventory failure the current set is left untouched. Idempotent: an
// unchanged inventory leaves every manager instance in place.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	records, err := r.cfg.Inventory.ListRobots(ctx)
	if err != nil {
		err = fmt.Errorf("list robots: %w", err)
		r.setLastErr(err)
		return err
	}
	r.setLastErr(nil)

	desired := make(map[string]robot.Config, len(records))
	for _, rec := range records {
		if rec.IPAddress == "" || rec.ID == "" {
			continue
		}
		desired[rec.ID] = r.deriveConfig(rec)
	}

	started, restarted, stopped := 0, 0, 0
	for id, cfg := range desired {
		key := robot.CanonicalKey(cfg)
		if cur, ok := r.managers.Load(id); ok {
			if cur.key == key {
				continue
			}
			cur.mgr.Stop()
			restarted++
		} else {
			started++
		}
		mgr := r.cfg.NewManager(robot.ManagerConfig{
			Config: cfg,
			Logger: r.logger,
			OnError: func(err error) {
				r.logger.Warn("robot error", zap.String("robot", id), zap.Error(err))
			},
		})
		r.managers.Store(id, &entry{mgr: mgr, key: key})
		mgr.Start()
	}

	r.managers.Range(func(id string, cur *entry) bool {
		if _, ok := desired[id]; !ok {
			cur.mgr.Stop()
			r.managers.Delete(id)
			stopped++
		}
		return true
	})

	if started+restarted+stopped > 0 {
		r.logger.Info("fleet reconciled",
			zap.Int("desired", len(desired)),
			zap.Int("started", started),
			zap.Int("restarted", restarted),
			zap.Int("stopped", stopped))
	}
	return nil
}

// deriveConfig maps one inventory row to a robot config: bridge URL from
// ip+port, optional mapping connection, channels defaulted and normalized.
func (r *Registry) deriveConfig(rec RobotRecord) robot.Config {
	bridgePort := rec.BridgePort
	if bridgePort == 0 {
		bridgePort = r.cfg.DefaultBridgePort
	}
	bridgeURL := fmt.Sprintf("ws://%s:%d", rec.IPAddress, bridgePort)

	conns := []robot.ConnectionConfig{{ID: robot.DefaultConnectionID, URL: bridgeURL}}
	mappingPort := rec.MappingBridgePort
	if mappingPort == 0 {
		mappingPort = r.cfg.MappingBridgePort
	}
	if mappingPort > 0 {
		conns = append(conns, robot.ConnectionConfig{
			ID:  robot.MappingConnectionID,
			URL: fmt.Sprintf("ws://%s:%d", rec.IPAddress, mappingPort),
		})
	}

	channels := rec.Channels
	if len(channels) == 0 {
		channels = robot.DefaultChannels()
	}
	return robot.Config{
		ID:          rec.ID,
		BridgeURL:   bridgeURL,
		Connections: conns,
		Channels:    robot.NormalizeChannels(channels),
		LaserOffset: rec.LaserOffset,
		Teleop:      rec.Teleop,
	}
}

// Lookup returns the running manager for a robot id.
func (r *Registry) Lookup(id string) (ManagerHandle, bool) {
	cur, ok := r.managers.Load(id)
	if !ok {
		return nil, false
	}
	return cur.mgr, true
}

// Size returns the number of running managers.
func (r *Registry) Size() int {
	return r.managers.Size()
}

// LastReloadError reports the most recent reload failure, nil when the last
// reload succeeded. Exposed for health reporting.
func (r *Registry) LastReloadError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

func (r *Registry) setLastErr(err error) {
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
}

// Close stops every running manager. The registry is unusable afterwards.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.reloadMu.Lock()
		defer r.reloadMu.Unlock()
		r.managers.Range(func(id string, cur *entry) bool {
			cur.mgr.Stop()
			r.managers.Delete(id)
			return true
		})
	})
}
