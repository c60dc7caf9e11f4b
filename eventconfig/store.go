package eventconfig

import (
	"context"
	"fmt"
	"sync"

	"github.com/event-capture/eventcapture/log"
)

// StorageKey is the key the user override is stored under.
const StorageKey = "eventConfig"

// KV is the subset of the key-value store the config store needs.
type KV interface {
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)
	PutValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Store loads and saves the event configuration and notifies subscribers
// whenever a new one is saved.
type Store struct {
	kv     KV
	logger *log.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Config)
}

// NewStore creates a new config store on top of kv.
func NewStore(kv KV, logger *log.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
		subs:   make(map[int]func(Config)),
	}
}

// Load returns the user override if there is a usable one, then the
// packaged default, then the standard preset.
func (s *Store) Load(ctx context.Context) (Config, error) {
	v, ok, err := s.kv.GetValue(ctx, StorageKey)
	if err != nil {
		return Config{}, fmt.Errorf("loading event config override: %w", err)
	}
	if ok {
		c, err := Decode(v)
		if err == nil {
			return c, nil
		}
		s.logger.Warnf("eventconfig:Load", "ignoring stored override: %v", err)
	}

	c, err := Default()
	if err == nil {
		return c, nil
	}
	s.logger.Warnf("eventconfig:Load", "packaged default unusable, using %s preset: %v", PresetStandard, err)

	return Standard(), nil
}

// Save validates and stores c as the user override and notifies every
// subscriber.
func (s *Store) Save(ctx context.Context, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	v, err := c.Encode()
	if err != nil {
		return err
	}
	if err := s.kv.PutValue(ctx, StorageKey, v); err != nil {
		return fmt.Errorf("saving event config: %w", err)
	}
	s.logger.Infof("eventconfig:Save", "saved event config with %d enabled listeners", len(c.Enabled()))
	s.notify(c)

	return nil
}

// Reset removes the user override and notifies subscribers with whatever
// Load returns afterwards.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.kv.DeleteValue(ctx, StorageKey); err != nil {
		return fmt.Errorf("resetting event config: %w", err)
	}
	c, err := s.Load(ctx)
	if err != nil {
		return err
	}
	s.notify(c)

	return nil
}

// Subscribe registers fn to be called with every saved config. The returned
// function unregisters it.
func (s *Store) Subscribe(fn func(Config)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Config) {
	s.mu.Lock()
	fns := make([]func(Config), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c.Clone())
	}
}
