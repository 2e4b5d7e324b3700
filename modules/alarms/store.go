package alarms

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("alarm not found")
	ErrNameTaken = errors.New("alarm name already in use")
)

// Store holds alarm definitions. It mirrors the external configuration
// repository; the engine only reads from it.
type Store struct {
	mtx    sync.RWMutex
	alarms map[string]Alarm
	names  map[string]string // name -> id
}

func NewStore() *Store {
	return &Store{
		alarms: map[string]Alarm{},
		names:  map[string]string{},
	}
}

// Create validates and stores a new alarm, assigning its id.
func (s *Store) Create(a Alarm) (Alarm, error) {
	if err := a.validate(); err != nil {
		return Alarm{}, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.names[a.Name]; ok {
		return Alarm{}, ErrNameTaken
	}

	a.ID = uuid.NewString()
	s.alarms[a.ID] = a
	s.names[a.Name] = a.ID
	return a, nil
}

// Update replaces an existing alarm.
func (s *Store) Update(a Alarm) error {
	if err := a.validate(); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	old, ok := s.alarms[a.ID]
	if !ok {
		return ErrNotFound
	}
	if id, taken := s.names[a.Name]; taken && id != a.ID {
		return ErrNameTaken
	}

	delete(s.names, old.Name)
	s.alarms[a.ID] = a
	s.names[a.Name] = a.ID
	return nil
}

func (s *Store) Delete(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	a, ok := s.alarms[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.alarms, id)
	delete(s.names, a.Name)
	return nil
}

func (s *Store) Get(id string) (Alarm, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	a, ok := s.alarms[id]
	if !ok {
		return Alarm{}, ErrNotFound
	}
	return a, nil
}

// GetByName looks an alarm up by its unique name.
func (s *Store) GetByName(name string) (Alarm, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	id, ok := s.names[name]
	if !ok {
		return Alarm{}, ErrNotFound
	}
	return s.alarms[id], nil
}

// List returns every alarm sorted by name.
func (s *Store) List() []Alarm {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEnabled returns the alarms the engine should evaluate.
func (s *Store) ListEnabled() []Alarm {
	all := s.List()
	out := all[:0]
	for _, a := range all {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
