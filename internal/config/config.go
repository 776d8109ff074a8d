// Package config loads the Game Master's runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode controls which HTTP surfaces are exposed.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// GameDefaults bundles the tunable rules a freshly created session starts with.
type GameDefaults struct {
	MinPlayers         int
	MaxPlayers         int
	ImposterRatio      float64
	TaskCount          int
	KillCooldown       time.Duration
	DiscussionDuration time.Duration
	VotingDuration     time.Duration
	EmergencyMeetings  int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the Game Master service.
type Config struct {
	Addr                string
	Mode                Mode
	AdminToken          string
	RegistryEndpoint    string
	RegistryCacheTTL    time.Duration
	RegistryRetries     int
	SignatureMaxSkewFwd time.Duration
	SignatureMaxAgeBack time.Duration
	SessionReapGrace    time.Duration
	DevTokenSecret      string
	DevTokenTTL         time.Duration
	ShipMapPath         string
	Game                GameDefaults
	Logging             LoggingConfig
}

const envPrefix = "GM"

// Load reads configuration from the environment (prefixed GM_), applying
// defaults in line with spec.md §6.6, and returns descriptive errors for
// invalid overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("mode", string(ModeProduction))
	v.SetDefault("admin_token", "")
	v.SetDefault("registry_endpoint", "")
	v.SetDefault("registry_cache_ttl", "30s")
	v.SetDefault("registry_retries", 3)
	v.SetDefault("signature_max_skew_forward", "60s")
	v.SetDefault("signature_max_age_backward", "5m")
	v.SetDefault("session_reap_grace", "2m")
	v.SetDefault("dev_token_secret", "")
	v.SetDefault("dev_token_ttl", "1h")
	v.SetDefault("ship_map_path", "")

	v.SetDefault("game.min_players", 5)
	v.SetDefault("game.max_players", 10)
	v.SetDefault("game.imposter_ratio", 0.25)
	v.SetDefault("game.task_count", 5)
	v.SetDefault("game.kill_cooldown", "20s")
	v.SetDefault("game.discussion_duration", "60s")
	v.SetDefault("game.voting_duration", "30s")
	v.SetDefault("game.emergency_meetings", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "gamemaster.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", true)

	cfg := &Config{
		Addr:                v.GetString("addr"),
		Mode:                Mode(strings.ToLower(v.GetString("mode"))),
		AdminToken:          strings.TrimSpace(v.GetString("admin_token")),
		RegistryEndpoint:    strings.TrimSpace(v.GetString("registry_endpoint")),
		RegistryCacheTTL:    v.GetDuration("registry_cache_ttl"),
		RegistryRetries:     v.GetInt("registry_retries"),
		SignatureMaxSkewFwd: v.GetDuration("signature_max_skew_forward"),
		SignatureMaxAgeBack: v.GetDuration("signature_max_age_backward"),
		SessionReapGrace:    v.GetDuration("session_reap_grace"),
		DevTokenSecret:      strings.TrimSpace(v.GetString("dev_token_secret")),
		DevTokenTTL:         v.GetDuration("dev_token_ttl"),
		ShipMapPath:         strings.TrimSpace(v.GetString("ship_map_path")),
		Game: GameDefaults{
			MinPlayers:         v.GetInt("game.min_players"),
			MaxPlayers:         v.GetInt("game.max_players"),
			ImposterRatio:      v.GetFloat64("game.imposter_ratio"),
			TaskCount:          v.GetInt("game.task_count"),
			KillCooldown:       v.GetDuration("game.kill_cooldown"),
			DiscussionDuration: v.GetDuration("game.discussion_duration"),
			VotingDuration:     v.GetDuration("game.voting_duration"),
			EmergencyMeetings:  v.GetInt("game.emergency_meetings"),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(v.GetString("log.level")),
			Path:       strings.TrimSpace(v.GetString("log.path")),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.Mode != ModeProduction && c.Mode != ModeDevelopment {
		problems = append(problems, fmt.Sprintf("GM_MODE must be %q or %q, got %q", ModeProduction, ModeDevelopment, c.Mode))
	}
	if c.Game.MinPlayers < 1 {
		problems = append(problems, "GM_GAME_MIN_PLAYERS must be at least 1")
	}
	if c.Game.MaxPlayers < c.Game.MinPlayers {
		problems = append(problems, "GM_GAME_MAX_PLAYERS must be >= GM_GAME_MIN_PLAYERS")
	}
	if c.Game.ImposterRatio <= 0 || c.Game.ImposterRatio >= 1 {
		problems = append(problems, "GM_GAME_IMPOSTER_RATIO must be in (0, 1)")
	}
	if c.Game.TaskCount < 1 {
		problems = append(problems, "GM_GAME_TASK_COUNT must be at least 1")
	}
	if c.Game.KillCooldown <= 0 {
		problems = append(problems, "GM_GAME_KILL_COOLDOWN must be a positive duration")
	}
	if c.Game.DiscussionDuration <= 0 || c.Game.VotingDuration <= 0 {
		problems = append(problems, "GM_GAME_DISCUSSION_DURATION and GM_GAME_VOTING_DURATION must be positive durations")
	}
	if c.RegistryRetries < 0 {
		problems = append(problems, "GM_REGISTRY_RETRIES must be non-negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf(strings.Join(problems, "; "))
	}
	return nil
}

// DevelopmentRoutesEnabled reports whether debug/admin HTTP routes should be registered.
func (c *Config) DevelopmentRoutesEnabled() bool {
	return c != nil && c.Mode == ModeDevelopment
}
