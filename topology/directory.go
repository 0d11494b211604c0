package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/risa-org/hacore/wire"
)

// NodeLocator is one node's connector pair. Backup is nil when the node
// has no backup.
type NodeLocator struct {
	Live   Connector
	Backup *Connector
}

func (l NodeLocator) clone() NodeLocator {
	if l.Backup != nil {
		b := *l.Backup
		l.Backup = &b
	}
	return l
}

// Directory maps node ids to their live/backup connectors. It is shared by
// every factory of a locator: topology broadcasts write it, failover reads
// backups from it and promotes them. Readers always get copies.
type Directory struct {
	mu      sync.RWMutex
	nodes   map[string]NodeLocator
	changed chan struct{}
	logger  *zap.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		nodes:   make(map[string]NodeLocator),
		changed: make(chan struct{}),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger used to report topology changes.
func (d *Directory) WithLogger(log *zap.Logger) {
	d.logger = log.With(zap.String("service", "topology"))
}

// Update records a node's connectors. The last write wins; writing the same
// value again changes nothing.
func (d *Directory) Update(nodeID string, loc NodeLocator) {
	loc = loc.clone()

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.nodes[nodeID]; ok && sameLocator(old, loc) {
		return
	}
	d.nodes[nodeID] = loc
	d.notifyLocked()

	backup := ""
	if loc.Backup != nil {
		backup = loc.Backup.String()
	}
	d.logger.Debug("Topology updated",
		zap.String("node_id", nodeID),
		zap.String("live", loc.Live.String()),
		zap.String("backup", backup))
}

// Apply records a topology broadcast.
func (d *Directory) Apply(t wire.Topology) error {
	if t.NodeID == "" {
		return fmt.Errorf("topology: empty node id")
	}
	live, err := ParseConnector(t.Live)
	if err != nil {
		return err
	}
	loc := NodeLocator{Live: live}
	if t.Backup != "" {
		backup, err := ParseConnector(t.Backup)
		if err != nil {
			return err
		}
		loc.Backup = &backup
	}
	d.Update(t.NodeID, loc)
	return nil
}

// Remove forgets a node.
func (d *Directory) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[nodeID]; !ok {
		return
	}
	delete(d.nodes, nodeID)
	d.notifyLocked()
}

// Live returns the live connector of a node.
func (d *Directory) Live(nodeID string) (Connector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.nodes[nodeID]
	return loc.Live, ok
}

// BackupFor returns the backup connector of a node, if it has one.
func (d *Directory) BackupFor(nodeID string) (Connector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.nodes[nodeID]
	if !ok || loc.Backup == nil {
		return Connector{}, false
	}
	return *loc.Backup, true
}

// Promote makes a node's backup its live connector after a failover.
// The node is left without a backup until the cluster announces a new one.
func (d *Directory) Promote(nodeID string) (NodeLocator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	loc, ok := d.nodes[nodeID]
	if !ok || loc.Backup == nil {
		return NodeLocator{}, false
	}
	loc = NodeLocator{Live: *loc.Backup}
	d.nodes[nodeID] = loc
	d.notifyLocked()
	d.logger.Info("Backup promoted", zap.String("node_id", nodeID), zap.String("live", loc.Live.String()))
	return loc.clone(), true
}

// NodeFor returns the id of the node whose live connector is c.
func (d *Directory) NodeFor(c Connector) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, loc := range d.nodes {
		if loc.Live == c {
			return id, true
		}
	}
	return "", false
}

// Snapshot returns a consistent copy of the whole directory.
func (d *Directory) Snapshot() map[string]NodeLocator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]NodeLocator, len(d.nodes))
	for id, loc := range d.nodes {
		out[id] = loc.clone()
	}
	return out
}

// LiveConnectors returns every known live connector, ordered by node id.
func (d *Directory) LiveConnectors() []Connector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Connector, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.nodes[id].Live)
	}
	return out
}

// Size returns the number of known nodes.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// WaitForSize blocks until at least n nodes are known or ctx is done.
func (d *Directory) WaitForSize(ctx context.Context, n int) error {
	for {
		d.mu.RLock()
		size, ch := len(d.nodes), d.changed
		d.mu.RUnlock()
		if size >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d nodes, have %d: %w", n, size, ctx.Err())
		case <-ch:
		}
	}
}

func (d *Directory) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func sameLocator(a, b NodeLocator) bool {
	if a.Live != b.Live {
		return false
	}
	if a.Backup == nil || b.Backup == nil {
		return a.Backup == nil && b.Backup == nil
	}
	return *a.Backup == *b.Backup
}
