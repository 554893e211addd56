package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeTransport is an in-memory calendar that stores desired events verbatim.
type fakeTransport struct {
	mu      sync.Mutex
	events  map[string]RemoteEvent
	nextID  int
	creates int
	updates int
	gets    int
	lookups int

	createErr  func(DesiredEvent) error
	searchErr  error
	emptyIDs   bool
	onCreate   func()
	createGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(map[string]RemoteEvent)}
}

func (f *fakeTransport) GetEvent(_ context.Context, _, eventID string) (*RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	event, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", eventID, ErrNotFound)
	}
	return &event, nil
}

func (f *fakeTransport) SearchByIdentityTag(_ context.Context, _, tag string, pageSize int) ([]RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []RemoteEvent
	for _, event := range f.events {
		if event.IdentityTag() == tag && len(out) < pageSize {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeTransport) CreateEvent(_ context.Context, _ string, event DesiredEvent) (string, error) {
	if f.createGate != nil {
		if f.onCreate != nil {
			f.onCreate()
		}
		<-f.createGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		if err := f.createErr(event); err != nil {
			return "", err
		}
	}
	f.creates++
	if f.emptyIDs {
		return "", nil
	}
	f.nextID++
	id := fmt.Sprintf("evt-%d", f.nextID)
	f.events[id] = toRemote(id, event)
	return id, nil
}

func (f *fakeTransport) UpdateEvent(_ context.Context, _, eventID string, event DesiredEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; !ok {
		return fmt.Errorf("update %s: %w", eventID, ErrNotFound)
	}
	f.updates++
	f.events[eventID] = toRemote(eventID, event)
	return nil
}

func (f *fakeTransport) put(event RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.ID] = event
}

func (f *fakeTransport) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func toRemote(id string, d DesiredEvent) RemoteEvent {
	return RemoteEvent{
		ID:                 id,
		Subject:            d.Subject,
		Body:               d.Body,
		Start:              d.Start,
		End:                d.End,
		Location:           d.Location,
		ExtendedProperties: append([]ExtendedProperty(nil), d.ExtendedProperties...),
		IsReminderOn:       d.IsReminderOn,
		ReminderMinutes:    d.ReminderMinutes,
	}
}

// memoryStore is an in-memory Store.
type memoryStore struct {
	mu       sync.Mutex
	mappings map[string]Mappings
	prefs    Preferences
	saves    int
	saveErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{mappings: make(map[string]Mappings)}
}

func (s *memoryStore) LoadMappings(_ context.Context, calendarID string) (Mappings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[calendarID].Clone(), nil
}

func (s *memoryStore) SaveMappings(_ context.Context, calendarID string, m Mappings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.mappings[calendarID] = m.Clone()
	return nil
}

func (s *memoryStore) LoadPreferences(_ context.Context) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs, nil
}

func (s *memoryStore) get(calendarID string) Mappings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[calendarID].Clone()
}

var errBoom = errors.New("boom")
