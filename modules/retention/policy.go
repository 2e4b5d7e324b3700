package retention

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("retention policy not found")
	ErrNameTaken = errors.New("retention policy name already in use")
)

// Policy removes records older than MaxAgeDays from the listed sources, or
// from every source when the list is empty.
type Policy struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	MaxAgeDays     int      `json:"maxAgeDays" yaml:"max_age_days"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	ApplyToSources []string `json:"applyToSources,omitempty" yaml:"apply_to_sources,omitempty"`
}

func (p *Policy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("invalid policy: name must not be empty")
	}
	if p.MaxAgeDays <= 0 {
		return fmt.Errorf("invalid policy: max_age_days must be greater than 0, got %d", p.MaxAgeDays)
	}
	return nil
}

// PolicyStore holds retention policies, mirroring the external configuration
// repository.
type PolicyStore struct {
	mtx      sync.RWMutex
	policies map[string]Policy
	names    map[string]string
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		policies: map[string]Policy{},
		names:    map[string]string{},
	}
}

func (s *PolicyStore) Create(p Policy) (Policy, error) {
	if err := p.validate(); err != nil {
		return Policy{}, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.names[p.Name]; ok {
		return Policy{}, ErrNameTaken
	}

	p.ID = uuid.NewString()
	s.policies[p.ID] = p
	s.names[p.Name] = p.ID
	return p, nil
}

func (s *PolicyStore) Update(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	old, ok := s.policies[p.ID]
	if !ok {
		return ErrNotFound
	}
	if id, taken := s.names[p.Name]; taken && id != p.ID {
		return ErrNameTaken
	}

	delete(s.names, old.Name)
	s.policies[p.ID] = p
	s.names[p.Name] = p.ID
	return nil
}

func (s *PolicyStore) Delete(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	delete(s.names, p.Name)
	return nil
}

func (s *PolicyStore) Get(id string) (Policy, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

// List returns every policy sorted by name.
func (s *PolicyStore) List() []Policy {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEnabled returns the policies the scheduler should apply.
func (s *PolicyStore) ListEnabled() []Policy {
	all := s.List()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
