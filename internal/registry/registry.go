package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fabricgate.org/internal/obs"
)

// Snapshot is an immutable operation table. Every Resolve on the same snapshot
// returns the same *Operation.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	byName   map[string]*Operation
	order    []*Operation
}

func emptySnapshot() *Snapshot {
	return &Snapshot{byName: map[string]*Operation{}}
}

// Resolve looks up an operation by registry name.
func (s *Snapshot) Resolve(name string) (*Operation, error) {
	if op, ok := s.byName[name]; ok {
		return op, nil
	}
	return nil, ErrOperationNotFound
}

// Has reports whether name is registered.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Operations returns the operations in load order.
func (s *Snapshot) Operations() []*Operation {
	out := make([]*Operation, len(s.order))
	copy(out, s.order)
	return out
}

// Names lists the registered operation names in load order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.order))
	for i, op := range s.order {
		out[i] = op.Name
	}
	return out
}

// Len is the number of registered operations.
func (s *Snapshot) Len() int { return len(s.order) }

// Version increases by one with every successful load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// LoadReport summarises one Load call.
type LoadReport struct {
	Version    uint64            `json:"version"`
	Documents  int               `json:"documents"`
	Operations int               `json:"operations"`
	Conflicts  []*NamingConflict `json:"conflicts,omitempty"`
	Rejected   []DocumentError   `json:"rejected,omitempty"`
}

// Registry holds the current snapshot and swaps in new ones atomically.
type Registry struct {
	loadMu  sync.Mutex
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// New returns a registry with an empty snapshot.
func New() *Registry {
	r := &Registry{now: time.Now}
	r.current.Store(emptySnapshot())
	return r
}

// Snapshot returns the current table.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Resolve looks up name in the current snapshot.
func (r *Registry) Resolve(name string) (*Operation, error) {
	return r.current.Load().Resolve(name)
}

// Has reports whether name is registered in the current snapshot.
func (r *Registry) Has(name string) bool {
	return r.current.Load().Has(name)
}

// Load parses docs and replaces the current snapshot wholesale. Malformed
// documents and naming conflicts are reported, not fatal. When docs is
// non-empty and none of them parse, the previous snapshot stays in place and
// ErrNoOperations is returned.
func (r *Registry) Load(docs []Document) (LoadReport, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	prev := r.current.Load()
	next := &Snapshot{
		version:  prev.version + 1,
		loadedAt: r.now().UTC(),
		byName:   map[string]*Operation{},
	}
	report := LoadReport{Version: next.version}
	log := obs.Logger()

	for _, doc := range docs {
		ops, err := ParseDocument(doc)
		if err != nil {
			report.Rejected = append(report.Rejected, DocumentError{Source: doc.Source, Err: err.Error()})
			log.Warn().Err(err).Str("source", doc.Source).Msg("descriptor rejected")
			continue
		}
		report.Documents++
		for i := range ops {
			op := ops[i]
			name, err := DeriveName(op.Namespace, op.OperationID, next.Has)
			if err != nil {
				var conflict *NamingConflict
				if errors.As(err, &conflict) {
					conflict.Source = op.Source
					conflict.Existing = next.byName[conflict.Name].Source
					report.Conflicts = append(report.Conflicts, conflict)
					log.Warn().Str("name", conflict.Name).Str("operation_id", op.OperationID).
						Str("source", op.Source).Msg("registry conflict, operation skipped")
				}
				continue
			}
			op.Name = name
			next.byName[name] = &op
			next.order = append(next.order, &op)
		}
	}

	if len(docs) > 0 && report.Documents == 0 {
		report.Version = prev.version
		return report, ErrNoOperations
	}
	report.Operations = len(next.order)
	r.current.Store(next)
	log.Info().Uint64("version", next.version).Int("operations", report.Operations).
		Int("conflicts", len(report.Conflicts)).Int("rejected", len(report.Rejected)).Msg("registry loaded")
	return report, nil
}
