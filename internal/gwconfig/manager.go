package gwconfig

import (
	"fmt"

	"github.com/metergateway/internal/nvstore"
	"github.com/rs/zerolog"
)

// Manager owns the live settings and keeps them in step with the store.
type Manager struct {
	store     nvstore.Store
	highPower bool
	current   Settings
	log       zerolog.Logger
}

func NewManager(store nvstore.Store, highPower bool, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		highPower: highPower,
		current:   Defaults(highPower),
		log:       log,
	}
}

func (m *Manager) HighPower() bool { return m.highPower }

// Settings returns a copy of the live settings.
func (m *Manager) Settings() Settings { return m.current }

// Load reads the settings from the store. If any field is invalid every field
// falls back to its default and the store is rewritten.
func (m *Manager) Load() (Settings, error) {
	m.log.Info().Msg("reading settings")

	var raw [Size]byte
	if _, err := m.store.ReadAt(raw[:], 0); err != nil {
		return m.current, fmt.Errorf("read settings: %w", err)
	}

	s, err := Decode(raw, m.highPower)
	if err != nil {
		m.log.Error().Err(err).Msg("stored settings invalid, resetting to defaults")
		return m.Reset()
	}
	m.current = s
	return s, nil
}

// Update applies fn to a copy of the live settings, validates the result and
// persists it. Nothing changes if fn or validation fails.
func (m *Manager) Update(fn func(s *Settings) error) (Settings, error) {
	next := m.current
	if err := fn(&next); err != nil {
		return m.current, err
	}
	if err := next.Validate(m.highPower); err != nil {
		return m.current, err
	}
	if err := m.persist(next); err != nil {
		return m.current, err
	}
	m.current = next
	return next, nil
}

// Reset restores and persists the default settings.
func (m *Manager) Reset() (Settings, error) {
	d := Defaults(m.highPower)
	m.current = d
	if err := m.persist(d); err != nil {
		return d, err
	}
	return d, nil
}

func (m *Manager) persist(s Settings) error {
	m.log.Info().Msg("writing settings")
	b := Encode(s)
	if _, err := m.store.WriteAt(b[:], 0); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
