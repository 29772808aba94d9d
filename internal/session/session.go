// Package session owns the process-wide torrent engine and fans its events
// out to registered listeners.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"magplay/internal/engine"
)

// ErrEngineStart wraps any failure to bring the engine up.
var ErrEngineStart = errors.New("engine start failed")

// Listener receives engine events. OnEvent runs on an engine goroutine and
// must not block.
type Listener interface {
	OnEvent(ev engine.Event)
}

// Factory builds a fresh, unstarted engine.
type Factory func() engine.Engine

// Observer is notified of every event dispatched, before listeners.
type Observer func(ev engine.Event)

type Config struct {
	Settings engine.Settings
	Factory  Factory
	Observer Observer
	Logger   *logrus.Logger
}

// Session is a lazily started engine shared by every controller.
type Session struct {
	settings engine.Settings
	factory  Factory
	observer Observer
	logger   *logrus.Entry

	mu  sync.Mutex
	eng engine.Engine
	seq uint64

	// live is the generation whose events are dispatched; zero when stopped.
	live atomic.Uint64

	lmu       sync.RWMutex
	listeners []Listener
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Session{
		settings: cfg.Settings,
		factory:  cfg.Factory,
		observer: cfg.Observer,
		logger:   cfg.Logger.WithField("component", "session"),
	}
}

// GetOrCreate returns the running engine, starting one on first use. A failed
// start leaves the session empty so the next call retries.
func (s *Session) GetOrCreate() (engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != nil {
		return s.eng, nil
	}
	if s.factory == nil {
		return nil, fmt.Errorf("%w: no engine factory", ErrEngineStart)
	}

	s.seq++
	gen := s.seq
	s.live.Store(gen)

	eng := s.factory()
	if err := eng.Start(s.settings, func(ev engine.Event) { s.dispatch(gen, ev) }); err != nil {
		s.live.Store(0)
		s.logger.Errorf("start engine: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}

	s.eng = eng
	s.logger.WithField("generation", gen).Info("engine session created")
	return eng, nil
}

// Current returns the running engine without starting one.
func (s *Session) Current() (engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng, s.eng != nil
}

// Stop tears the engine down and drops every listener. It is a no-op when no
// engine is running.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return nil
	}

	s.live.Store(0)
	err := s.eng.Close()
	s.eng = nil

	s.lmu.Lock()
	s.listeners = nil
	s.lmu.Unlock()

	if err != nil {
		s.logger.Warnf("close engine: %v", err)
		return fmt.Errorf("close engine: %w", err)
	}
	s.logger.Info("engine session stopped")
	return nil
}

func (s *Session) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for _, cur := range s.listeners {
		if cur == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Session) RemoveListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) ListenerCount() int {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return len(s.listeners)
}

func (s *Session) dispatch(gen uint64, ev engine.Event) {
	if s.live.Load() != gen {
		return
	}

	switch ev.Type {
	case engine.EventListenFailed, engine.EventDHTError:
		s.logger.WithField("event", ev.Type.String()).Warn(ev.Message)
	case engine.EventListenSucceeded, engine.EventDHTBootstrap:
		s.logger.WithField("event", ev.Type.String()).Info(ev.Message)
	}

	if s.observer != nil {
		s.observer(ev)
	}

	s.lmu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ev)
	}
}
