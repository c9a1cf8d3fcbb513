package settings

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pageveil/pageveil/internal/logger"
	"go.uber.org/zap"
)

// ErrNameCollision is returned when a custom pattern name is already taken
var ErrNameCollision = fmt.Errorf("custom pattern name already exists")

// ErrUnknownPattern is returned for operations on a nonexistent pattern id
var ErrUnknownPattern = fmt.Errorf("unknown custom pattern id")

// Store owns the live settings and notifies subscribers of every change.
// It is the single writer; readers always receive defensive copies.
type Store struct {
	mu          sync.RWMutex
	current     Settings
	subscribers []func(Settings)
	sync        *Sync
	logger      *logger.Logger
}

// NewStore creates a settings store seeded with the given initial settings
func NewStore(initial Settings, log *logger.Logger) *Store {
	clampIntensity(&initial)
	return &Store{
		current: initial.Clone(),
		logger:  log,
	}
}

// AttachSync wires a Redis sync backend. Remote updates received by the sync
// layer flow through the store like any local change, but are not echoed
// back (which would loop).
func (s *Store) AttachSync(sync *Sync) {
	s.mu.Lock()
	s.sync = sync
	s.mu.Unlock()

	sync.OnRemoteUpdate(func(remote Settings) {
		s.mutate(false, func(next *Settings) error {
			*next = remote.Clone()
			return nil
		})
	})
}

// Get returns the current settings
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Subscribe registers a callback invoked on every settings change.
// Callbacks run on the updating goroutine and must not block.
func (s *Store) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Update replaces the current settings and notifies subscribers
func (s *Store) Update(next Settings) {
	s.mutate(true, func(cur *Settings) error {
		*cur = next.Clone()
		return nil
	})
}

// SetMaskingEnabled flips only the master switch and returns the installed
// settings
func (s *Store) SetMaskingEnabled(enabled bool) Settings {
	installed, _ := s.mutate(true, func(next *Settings) error {
		next.MaskingEnabled = enabled
		return nil
	})
	return installed
}

// AddCustomPattern creates a new custom pattern. The name must be unique
// among custom patterns and the rule source must compile; on collision the
// existing pattern is left untouched. The uniqueness check and the install
// happen under one write lock, so concurrent adds cannot both win.
func (s *Store) AddCustomPattern(name, pattern, description string) (CustomPattern, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return CustomPattern{}, fmt.Errorf("invalid pattern source %q: %w", pattern, err)
	}

	var created CustomPattern
	_, err := s.mutate(true, func(next *Settings) error {
		for _, cp := range next.SensitivePatterns.CustomPatterns {
			if cp.Name == name {
				return fmt.Errorf("%w: %s", ErrNameCollision, name)
			}
		}
		created = CustomPattern{
			ID:          uuid.NewString(),
			Name:        name,
			Pattern:     pattern,
			Description: description,
			Enabled:     true,
			CreatedAt:   time.Now().UTC(),
		}
		next.SensitivePatterns.CustomPatterns = append(next.SensitivePatterns.CustomPatterns, created)
		return nil
	})
	if err != nil {
		s.logger.Warn("Custom pattern rejected",
			zap.String("name", name),
			zap.Error(err),
		)
		return CustomPattern{}, err
	}

	s.logger.Info("Custom pattern added",
		zap.String("id", created.ID),
		zap.String("name", created.Name),
	)
	return created, nil
}

// RemoveCustomPattern deletes a custom pattern by id
func (s *Store) RemoveCustomPattern(id string) error {
	_, err := s.mutate(true, func(next *Settings) error {
		patterns := next.SensitivePatterns.CustomPatterns
		for i, cp := range patterns {
			if cp.ID == id {
				next.SensitivePatterns.CustomPatterns = append(patterns[:i:i], patterns[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	})
	return err
}

// ToggleCustomPattern flips the enabled flag of a custom pattern by id
func (s *Store) ToggleCustomPattern(id string) error {
	_, err := s.mutate(true, func(next *Settings) error {
		patterns := next.SensitivePatterns.CustomPatterns
		for i := range patterns {
			if patterns[i].ID == id {
				patterns[i].Enabled = !patterns[i].Enabled
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	})
	return err
}

// mutate runs fn on a clone of the current settings under the write lock and
// installs the result if fn succeeds, so check-then-change sequences are
// atomic. Subscriber fan-out and sync publishing happen after the lock is
// released. publish controls whether the change is pushed to the sync
// backend (remote updates are not echoed back).
func (s *Store) mutate(publish bool, fn func(next *Settings) error) (Settings, error) {
	s.mu.Lock()
	next := s.current.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	clampIntensity(&next)
	s.current = next.Clone()
	subs := make([]func(Settings), len(s.subscribers))
	copy(subs, s.subscribers)
	sync := s.sync
	s.mu.Unlock()

	for _, notify := range subs {
		notify(next.Clone())
	}

	if publish && sync != nil {
		if err := sync.Publish(next); err != nil {
			// Sync failure is never fatal: local settings stay authoritative
			// and remote peers converge on the next successful publish.
			s.logger.Warn("Settings sync publish failed", zap.Error(err))
		}
	}
	return next, nil
}

func clampIntensity(s *Settings) {
	if s.MaskingIntensity < 1 {
		s.MaskingIntensity = 1
	}
	if s.MaskingIntensity > 10 {
		s.MaskingIntensity = 10
	}
}
