package rebalance

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/3cpo-dev/dim/internal/fingerprint"
	"github.com/3cpo-dev/dim/pkg/api"
)

// LocalState is the node-local table: the configurations last applied to
// this node and the instances created from them, keyed by fingerprint.
// Only the Reconciler writes it; readers may observe a reconciliation in
// progress.
type LocalState struct {
	mu             sync.RWMutex
	configurations []api.Configuration
	instances      *xsync.Map[fingerprint.Fingerprint, api.Instance]
}

// NewLocalState creates an empty table.
func NewLocalState() *LocalState {
	return &LocalState{instances: xsync.NewMap[fingerprint.Fingerprint, api.Instance]()}
}

// Configurations returns a copy of the last applied list.
func (s *LocalState) Configurations() []api.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Configuration, len(s.configurations))
	copy(out, s.configurations)
	return out
}

func (s *LocalState) setConfigurations(cfgs []api.Configuration) {
	s.mu.Lock()
	s.configurations = append([]api.Configuration(nil), cfgs...)
	s.mu.Unlock()
}

func (s *LocalState) Instance(fp fingerprint.Fingerprint) (api.Instance, bool) {
	return s.instances.Load(fp)
}

func (s *LocalState) Len() int { return s.instances.Size() }

// Fingerprints returns the managed fingerprints in sorted order.
func (s *LocalState) Fingerprints() []fingerprint.Fingerprint {
	fps := make([]fingerprint.Fingerprint, 0, s.instances.Size())
	s.instances.Range(func(fp fingerprint.Fingerprint, _ api.Instance) bool {
		fps = append(fps, fp)
		return true
	})
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
	return fps
}

// Range calls f for every managed instance until f returns false.
func (s *LocalState) Range(f func(fp fingerprint.Fingerprint, inst api.Instance) bool) {
	s.instances.Range(f)
}

func (s *LocalState) put(fp fingerprint.Fingerprint, inst api.Instance) {
	s.instances.Store(fp, inst)
}

func (s *LocalState) remove(fp fingerprint.Fingerprint) (api.Instance, bool) {
	return s.instances.LoadAndDelete(fp)
}

func (s *LocalState) reset() {
	s.instances.Range(func(fp fingerprint.Fingerprint, _ api.Instance) bool {
		s.instances.Delete(fp)
		return true
	})
	s.setConfigurations(nil)
}
