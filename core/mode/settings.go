package mode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"QueueFM/logger"
	"QueueFM/repository"
)

// Persisted setting keys.
const (
	KeyActiveMode   = "active_mode"
	KeyThreshold    = "democracy_threshold"
	KeyVoteTimer    = "democracy_timer"
	KeyMaxPerUser   = "jukebox_max_per_user"
	KeySkipCooldown = "party_skip_cooldown"
	KeyKeepFiles    = "keep_files"
)

var (
	ErrUnknownSetting  = errors.New("unknown setting")
	ErrInvalidValue    = errors.New("invalid setting value")
	ErrQueueCapReached = errors.New("per-user queue limit reached")
	ErrSkipCooldown    = errors.New("skip cooldown active")
)

// Settings are the admin tunables of the modes.
type Settings struct {
	SkipThresholdPercent int `json:"democracy_threshold"`
	VoteTimerSeconds     int `json:"democracy_timer"`
	MaxPerUser           int `json:"jukebox_max_per_user"`
	SkipCooldownSeconds  int `json:"party_skip_cooldown"`
}

// DefaultSettings returns the values seeded on first start.
func DefaultSettings() Settings {
	return Settings{
		SkipThresholdPercent: 51,
		VoteTimerSeconds:     15,
		MaxPerUser:           5,
		SkipCooldownSeconds:  10,
	}
}

type bounds struct{ min, max int }

var settingBounds = map[string]bounds{
	KeyThreshold:    {1, 100},
	KeyVoteTimer:    {1, 600},
	KeyMaxPerUser:   {1, 100},
	KeySkipCooldown: {0, 3600},
}

func (s *Settings) field(key string) *int {
	switch key {
	case KeyThreshold:
		return &s.SkipThresholdPercent
	case KeyVoteTimer:
		return &s.VoteTimerSeconds
	case KeyMaxPerUser:
		return &s.MaxPerUser
	case KeySkipCooldown:
		return &s.SkipCooldownSeconds
	}
	return nil
}

// Service holds the active mode and settings, persisted through a
// SettingsRepository.
type Service struct {
	repo repository.SettingsRepository

	mu        sync.RWMutex
	mode      Mode
	settings  Settings
	keepFiles bool
	lastSkip  map[string]time.Time

	now func() time.Time
}

// NewService 创建模式服务; keepFiles is the default when nothing is stored.
func NewService(repo repository.SettingsRepository, keepFiles bool) *Service {
	return &Service{
		repo:      repo,
		mode:      Radio,
		settings:  DefaultSettings(),
		keepFiles: keepFiles,
		lastSkip:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Load seeds missing keys with defaults and reads the stored values.
func (s *Service) Load(ctx context.Context) error {
	stored, err := s.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	defaults := map[string]string{
		KeyActiveMode:   string(s.mode),
		KeyThreshold:    strconv.Itoa(s.settings.SkipThresholdPercent),
		KeyVoteTimer:    strconv.Itoa(s.settings.VoteTimerSeconds),
		KeyMaxPerUser:   strconv.Itoa(s.settings.MaxPerUser),
		KeySkipCooldown: strconv.Itoa(s.settings.SkipCooldownSeconds),
		KeyKeepFiles:    strconv.FormatBool(s.keepFiles),
	}
	for key, def := range defaults {
		if _, ok := stored[key]; ok {
			continue
		}
		if err := s.repo.Set(ctx, key, def); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
		stored[key] = def
	}

	if m, err := ParseMode(stored[KeyActiveMode]); err == nil {
		s.mode = m
	} else {
		logger.Warn("stored mode invalid, keeping default", logger.Component("mode"), logger.String("value", stored[KeyActiveMode]))
	}
	for key := range settingBounds {
		v, err := strconv.Atoi(stored[key])
		if err != nil || checkBounds(key, v) != nil {
			logger.Warn("stored setting invalid, keeping default", logger.Component("mode"), logger.String("key", key))
			continue
		}
		*s.settings.field(key) = v
	}
	if b, err := strconv.ParseBool(stored[KeyKeepFiles]); err == nil {
		s.keepFiles = b
	}

	logger.Info("settings loaded",
		logger.Component("mode"),
		logger.String("mode", string(s.mode)),
		logger.Bool("keepFiles", s.keepFiles))
	return nil
}

func checkBounds(key string, v int) error {
	b := settingBounds[key]
	if v < b.min || v > b.max {
		return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidValue, key, b.min, b.max)
	}
	return nil
}

// Mode returns the active mode.
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Settings returns a copy of the tunables.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// KeepFiles reports whether played audio files are retained.
func (s *Service) KeepFiles() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepFiles
}

// Can evaluates the matrix for the active mode.
func (s *Service) Can(a Action, isAdmin bool) bool {
	return CanPerformAction(s.Mode(), a, isAdmin)
}

// SetMode switches and persists the active mode.
func (s *Service) SetMode(ctx context.Context, name string) (Mode, error) {
	m, err := ParseMode(name)
	if err != nil {
		return "", err
	}
	if err := s.repo.Set(ctx, KeyActiveMode, string(m)); err != nil {
		return "", fmt.Errorf("persist mode: %w", err)
	}

	s.mu.Lock()
	s.mode = m
	s.lastSkip = make(map[string]time.Time)
	s.mu.Unlock()

	logger.Info("mode changed", logger.Component("mode"), logger.String("mode", name))
	return m, nil
}

// Update validates and persists one tunable.
func (s *Service) Update(ctx context.Context, key string, value int) (Settings, error) {
	if _, ok := settingBounds[key]; !ok {
		return Settings{}, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	if err := checkBounds(key, value); err != nil {
		return Settings{}, err
	}
	if err := s.repo.Set(ctx, key, strconv.Itoa(value)); err != nil {
		return Settings{}, fmt.Errorf("persist setting: %w", err)
	}

	s.mu.Lock()
	*s.settings.field(key) = value
	out := s.settings
	s.mu.Unlock()

	logger.Info("setting updated", logger.Component("mode"), logger.String("key", key), logger.Int("value", value))
	return out, nil
}

// SetKeepFiles persists the keep-files switch.
func (s *Service) SetKeepFiles(ctx context.Context, keep bool) error {
	if err := s.repo.Set(ctx, KeyKeepFiles, strconv.FormatBool(keep)); err != nil {
		return fmt.Errorf("persist keep_files: %w", err)
	}
	s.mu.Lock()
	s.keepFiles = keep
	s.mu.Unlock()
	return nil
}

// CheckAdd enforces the jukebox per-user cap; queued is how many items
// addedBy already has waiting.
func (s *Service) CheckAdd(isAdmin bool, queued int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == Jukebox && !isAdmin && queued >= s.settings.MaxPerUser {
		return fmt.Errorf("%w (%d)", ErrQueueCapReached, s.settings.MaxPerUser)
	}
	return nil
}

// AllowSkip enforces the party-mode cooldown per client and records the
// skip when allowed.
func (s *Service) AllowSkip(clientID string, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Party || isAdmin {
		return nil
	}
	now := s.now()
	cooldown := time.Duration(s.settings.SkipCooldownSeconds) * time.Second
	if last, ok := s.lastSkip[clientID]; ok && now.Sub(last) < cooldown {
		wait := cooldown - now.Sub(last)
		return fmt.Errorf("%w: wait %ds", ErrSkipCooldown, int(wait.Seconds()+0.999))
	}
	s.lastSkip[clientID] = now
	return nil
}

// ForgetClient drops per-client state when a client disconnects.
func (s *Service) ForgetClient(clientID string) {
	s.mu.Lock()
	delete(s.lastSkip, clientID)
	s.mu.Unlock()
}
