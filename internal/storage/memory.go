package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// MemoryStore is an embedded, single-process Store backed by maps
// under one mutex — the "embedded B-tree with explicit locks" backend
// named in §9. BeginTx takes the shared mutex and snapshots every
// table; the mutex is held until Commit or Rollback, so the reads and
// writes of one transaction do not interleave with another's, and
// Rollback restores the snapshot. Calls made on the root store outside
// a transaction do not take the mutex.
type MemoryStore struct {
	mu *sync.Mutex

	devices     map[lorawan.EUI64]models.Device
	nodes       map[lorawan.DevAddr]models.Node
	profiles    map[uuid.UUID]models.Profile
	networks    map[string]models.Network
	ignored     map[lorawan.DevAddr]models.IgnoredNode
	multicast   map[lorawan.DevAddr]models.MulticastChannel
	pending     map[lorawan.DevAddr][]models.PendingFrame
	inTx        bool
	uncommitted *memorySnapshot
}

// memorySnapshot is a shallow copy of all tables taken at BeginTx,
// restored whole on Rollback (§5 abort-on-drop semantics).
type memorySnapshot struct {
	devices   map[lorawan.EUI64]models.Device
	nodes     map[lorawan.DevAddr]models.Node
	profiles  map[uuid.UUID]models.Profile
	networks  map[string]models.Network
	ignored   map[lorawan.DevAddr]models.IgnoredNode
	multicast map[lorawan.DevAddr]models.MulticastChannel
	pending   map[lorawan.DevAddr][]models.PendingFrame
}

// NewMemoryStore returns an empty in-memory store, suitable for tests
// and for single-node deployments without Postgres.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:        &sync.Mutex{},
		devices:   make(map[lorawan.EUI64]models.Device),
		nodes:     make(map[lorawan.DevAddr]models.Node),
		profiles:  make(map[uuid.UUID]models.Profile),
		networks:  make(map[string]models.Network),
		ignored:   make(map[lorawan.DevAddr]models.IgnoredNode),
		multicast: make(map[lorawan.DevAddr]models.MulticastChannel),
		pending:   make(map[lorawan.DevAddr][]models.PendingFrame),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	s.mu.Lock()
	snap := &memorySnapshot{
		devices:   cloneMap(s.devices),
		nodes:     cloneMap(s.nodes),
		profiles:  cloneMap(s.profiles),
		networks:  cloneMap(s.networks),
		ignored:   cloneMap(s.ignored),
		multicast: cloneMap(s.multicast),
		pending:   clonePendingMap(s.pending),
	}
	return &MemoryStore{
		mu: s.mu,
		devices: s.devices, nodes: s.nodes, profiles: s.profiles, networks: s.networks,
		ignored: s.ignored, multicast: s.multicast, pending: s.pending,
		inTx: true, uncommitted: snap,
	}, nil
}

func (s *MemoryStore) Commit() error {
	if s.inTx {
		s.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Rollback() error {
	if !s.inTx {
		return nil
	}
	snap := s.uncommitted
	for k := range s.devices {
		delete(s.devices, k)
	}
	for k, v := range snap.devices {
		s.devices[k] = v
	}
	for k := range s.nodes {
		delete(s.nodes, k)
	}
	for k, v := range snap.nodes {
		s.nodes[k] = v
	}
	for k := range s.profiles {
		delete(s.profiles, k)
	}
	for k, v := range snap.profiles {
		s.profiles[k] = v
	}
	for k := range s.networks {
		delete(s.networks, k)
	}
	for k, v := range snap.networks {
		s.networks[k] = v
	}
	for k := range s.ignored {
		delete(s.ignored, k)
	}
	for k, v := range snap.ignored {
		s.ignored[k] = v
	}
	for k := range s.multicast {
		delete(s.multicast, k)
	}
	for k, v := range snap.multicast {
		s.multicast[k] = v
	}
	for k := range s.pending {
		delete(s.pending, k)
	}
	for k, v := range snap.pending {
		s.pending[k] = v
	}
	s.mu.Unlock()
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePendingMap(m map[lorawan.DevAddr][]models.PendingFrame) map[lorawan.DevAddr][]models.PendingFrame {
	out := make(map[lorawan.DevAddr][]models.PendingFrame, len(m))
	for k, v := range m {
		cp := make([]models.PendingFrame, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (s *MemoryStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	d, ok := s.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) PutDevice(ctx context.Context, d *models.Device) error {
	d.UpdatedAt = now()
	s.devices[d.DevEUI] = *d
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	if _, ok := s.devices[devEUI]; !ok {
		return ErrNotFound
	}
	delete(s.devices, devEUI)
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.Node, error) {
	n, ok := s.nodes[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (s *MemoryStore) PutNode(ctx context.Context, n *models.Node) error {
	n.UpdatedAt = now()
	s.nodes[n.DevAddr] = *n
	return nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, devAddr lorawan.DevAddr) error {
	if _, ok := s.nodes[devAddr]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, devAddr)
	return nil
}

func (s *MemoryStore) NodeExists(ctx context.Context, devAddr lorawan.DevAddr) (bool, error) {
	_, ok := s.nodes[devAddr]
	return ok, nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) PutProfile(ctx context.Context, p *models.Profile) error {
	p.UpdatedAt = now()
	s.profiles[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetNetwork(ctx context.Context, name string) (*models.Network, error) {
	n, ok := s.networks[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (s *MemoryStore) PutNetwork(ctx context.Context, n *models.Network) error {
	n.UpdatedAt = now()
	s.networks[n.Name] = *n
	return nil
}

func (s *MemoryStore) ListNetworks(ctx context.Context) ([]*models.Network, error) {
	out := make([]*models.Network, 0, len(s.networks))
	for _, n := range s.networks {
		n := n
		out = append(out, &n)
	}
	return out, nil
}

func (s *MemoryStore) ListIgnoredNodes(ctx context.Context) ([]*models.IgnoredNode, error) {
	out := make([]*models.IgnoredNode, 0, len(s.ignored))
	for _, n := range s.ignored {
		n := n
		out = append(out, &n)
	}
	return out, nil
}

func (s *MemoryStore) PutIgnoredNode(ctx context.Context, n *models.IgnoredNode) error {
	s.ignored[n.DevAddr] = *n
	return nil
}

func (s *MemoryStore) DeleteIgnoredNode(ctx context.Context, devAddr lorawan.DevAddr) error {
	if _, ok := s.ignored[devAddr]; !ok {
		return ErrNotFound
	}
	delete(s.ignored, devAddr)
	return nil
}

func (s *MemoryStore) GetMulticastChannel(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.MulticastChannel, error) {
	ch, ok := s.multicast[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (s *MemoryStore) PutMulticastChannel(ctx context.Context, ch *models.MulticastChannel) error {
	ch.UpdatedAt = now()
	s.multicast[ch.DevAddr] = *ch
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.PendingFrame, error) {
	frames := s.pending[devAddr]
	out := make([]*models.PendingFrame, len(frames))
	for i := range frames {
		f := frames[i]
		out[i] = &f
	}
	return out, nil
}

func (s *MemoryStore) PutPending(ctx context.Context, f *models.PendingFrame) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	s.pending[f.DevAddr] = append(s.pending[f.DevAddr], *f)
	return nil
}

func (s *MemoryStore) PurgePending(ctx context.Context, devAddr lorawan.DevAddr) error {
	delete(s.pending, devAddr)
	return nil
}

func (s *MemoryStore) DeletePendingFrame(ctx context.Context, id uuid.UUID) error {
	for addr, frames := range s.pending {
		for i, f := range frames {
			if f.ID == id {
				s.pending[addr] = append(frames[:i], frames[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}
