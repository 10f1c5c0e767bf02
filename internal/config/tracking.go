package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultConfigPath is the path to the canonical tracking defaults file.
const DefaultConfigPath = "config/tracking.defaults.json"

// EnvPrefix prefixes environment overrides, e.g. FIELDTRACK_MAX_ACCURACY_M.
const EnvPrefix = "FIELDTRACK"

const maxConfigFileSize = 1 * 1024 * 1024

// TrackingConfig holds every tunable of the tracking pipeline. Fields are
// pointers so a partial file only overrides what it names; the Get* methods
// supply defaults for the rest. Durations are held as strings like "3m".
type TrackingConfig struct {
	// Sample filter
	MaxAccuracyM           *float64 `json:"max_accuracy_m,omitempty" mapstructure:"max_accuracy_m" validate:"omitempty,gt=0"`
	MinInterval            *string  `json:"min_interval,omitempty" mapstructure:"min_interval" validate:"omitempty,duration"`
	MaxSpeedKmh            *float64 `json:"max_speed_kmh,omitempty" mapstructure:"max_speed_kmh" validate:"omitempty,gt=0"`
	BikeSpeedMps           *float64 `json:"bike_speed_mps,omitempty" mapstructure:"bike_speed_mps" validate:"omitempty,gt=0"`
	BikeDistanceM          *float64 `json:"bike_distance_m,omitempty" mapstructure:"bike_distance_m" validate:"omitempty,gt=0"`
	CarDistanceM           *float64 `json:"car_distance_m,omitempty" mapstructure:"car_distance_m" validate:"omitempty,gt=0"`
	StationaryStreak       *int     `json:"stationary_streak,omitempty" mapstructure:"stationary_streak" validate:"omitempty,gte=1"`
	StationaryForwardEvery *int     `json:"stationary_forward_every,omitempty" mapstructure:"stationary_forward_every" validate:"omitempty,gte=1"`

	// Platform location request
	MinDistanceM      *float64 `json:"min_distance_m,omitempty" mapstructure:"min_distance_m" validate:"omitempty,gte=0"`
	HeartbeatInterval *string  `json:"heartbeat_interval,omitempty" mapstructure:"heartbeat_interval" validate:"omitempty,duration"`
	FixTimeout        *string  `json:"fix_timeout,omitempty" mapstructure:"fix_timeout" validate:"omitempty,duration"`

	// Timeline
	StopRadiusM     *float64 `json:"stop_radius_m,omitempty" mapstructure:"stop_radius_m" validate:"omitempty,gt=0"`
	StopMinDuration *string  `json:"stop_min_duration,omitempty" mapstructure:"stop_min_duration" validate:"omitempty,duration"`

	// Sync
	SyncInterval *string `json:"sync_interval,omitempty" mapstructure:"sync_interval" validate:"omitempty,duration"`
	MaxBatchSize *int    `json:"max_batch_size,omitempty" mapstructure:"max_batch_size" validate:"omitempty,gte=1,lte=1000"`
	MaxAttempts  *int    `json:"max_attempts,omitempty" mapstructure:"max_attempts" validate:"omitempty,gte=1"`
	Retention    *string `json:"retention,omitempty" mapstructure:"retention" validate:"omitempty,duration"`
	DrainTimeout *string `json:"drain_timeout,omitempty" mapstructure:"drain_timeout" validate:"omitempty,duration"`
	DrainBackoff *string `json:"drain_backoff,omitempty" mapstructure:"drain_backoff" validate:"omitempty,duration"`

	// Session lifecycle
	HandshakeTimeout  *string `json:"handshake_timeout,omitempty" mapstructure:"handshake_timeout" validate:"omitempty,duration"`
	HandshakeAttempts *int    `json:"handshake_attempts,omitempty" mapstructure:"handshake_attempts" validate:"omitempty,gte=1"`
	StopTimeout       *string `json:"stop_timeout,omitempty" mapstructure:"stop_timeout" validate:"omitempty,duration"`
	RestartDelay      *string `json:"restart_delay,omitempty" mapstructure:"restart_delay" validate:"omitempty,duration"`
	DurationTick      *string `json:"duration_tick,omitempty" mapstructure:"duration_tick" validate:"omitempty,duration"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackingConfig returns a TrackingConfig with all fields unset.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// DefaultTrackingConfig returns a config with every field populated with
// its default value.
func DefaultTrackingConfig() *TrackingConfig {
	c := EmptyTrackingConfig()
	return &TrackingConfig{
		MaxAccuracyM:           ptrFloat64(c.GetMaxAccuracyM()),
		MinInterval:            ptrString(c.GetMinInterval().String()),
		MaxSpeedKmh:            ptrFloat64(c.GetMaxSpeedKmh()),
		BikeSpeedMps:           ptrFloat64(c.GetBikeSpeedMps()),
		BikeDistanceM:          ptrFloat64(c.GetBikeDistanceM()),
		CarDistanceM:           ptrFloat64(c.GetCarDistanceM()),
		StationaryStreak:       ptrInt(c.GetStationaryStreak()),
		StationaryForwardEvery: ptrInt(c.GetStationaryForwardEvery()),
		MinDistanceM:           ptrFloat64(c.GetMinDistanceM()),
		HeartbeatInterval:      ptrString(c.GetHeartbeatInterval().String()),
		FixTimeout:             ptrString(c.GetFixTimeout().String()),
		StopRadiusM:            ptrFloat64(c.GetStopRadiusM()),
		StopMinDuration:        ptrString(c.GetStopMinDuration().String()),
		SyncInterval:           ptrString(c.GetSyncInterval().String()),
		MaxBatchSize:           ptrInt(c.GetMaxBatchSize()),
		MaxAttempts:            ptrInt(c.GetMaxAttempts()),
		Retention:              ptrString(c.GetRetention().String()),
		DrainTimeout:           ptrString(c.GetDrainTimeout().String()),
		DrainBackoff:           ptrString(c.GetDrainBackoff().String()),
		HandshakeTimeout:       ptrString(c.GetHandshakeTimeout().String()),
		HandshakeAttempts:      ptrInt(c.GetHandshakeAttempts()),
		StopTimeout:            ptrString(c.GetStopTimeout().String()),
		RestartDelay:           ptrString(c.GetRestartDelay().String()),
		DurationTick:           ptrString(c.GetDurationTick().String()),
	}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON or YAML file and
// applies FIELDTRACK_* environment overrides. Fields missing from both keep
// their defaults.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must be .json, .yaml or .yml, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	v := newViper()
	v.SetConfigFile(cleanPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// LoadTrackingConfigFromEnv builds a config from environment overrides only.
func LoadTrackingConfigFromEnv() (*TrackingConfig, error) {
	return decode(newViper())
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so tests can call it from any package. Panics on failure.
func MustLoadDefaultConfig() *TrackingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys() {
		// BindEnv only errors on an empty key list.
		_ = v.BindEnv(key)
	}
	return v
}

func decode(v *viper.Viper) (*TrackingConfig, error) {
	cfg := EmptyTrackingConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configKeys lists the mapstructure keys of TrackingConfig.
func configKeys() []string {
	t := reflect.TypeOf(TrackingConfig{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks field ranges and the relationships between fields.
func (c *TrackingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.GetCarDistanceM() < c.GetBikeDistanceM() {
		return fmt.Errorf("car_distance_m (%g) must be >= bike_distance_m (%g)", c.GetCarDistanceM(), c.GetBikeDistanceM())
	}
	if c.GetStopRadiusM() < c.GetBikeDistanceM() {
		return fmt.Errorf("stop_radius_m (%g) must be >= bike_distance_m (%g)", c.GetStopRadiusM(), c.GetBikeDistanceM())
	}
	return nil
}

func getDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getFloat(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

func getInt(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}

// GetMaxAccuracyM returns the worst horizontal accuracy a fix may report.
func (c *TrackingConfig) GetMaxAccuracyM() float64 { return getFloat(c.MaxAccuracyM, 50) }

// GetMinInterval returns the minimum spacing between accepted fixes.
func (c *TrackingConfig) GetMinInterval() time.Duration {
	return getDuration(c.MinInterval, 5*time.Second)
}

// GetMaxSpeedKmh returns the implied speed above which a fix is a teleport.
func (c *TrackingConfig) GetMaxSpeedKmh() float64 { return getFloat(c.MaxSpeedKmh, 200) }

func (c *TrackingConfig) GetBikeSpeedMps() float64  { return getFloat(c.BikeSpeedMps, 5.5) }
func (c *TrackingConfig) GetBikeDistanceM() float64 { return getFloat(c.BikeDistanceM, 20) }
func (c *TrackingConfig) GetCarDistanceM() float64  { return getFloat(c.CarDistanceM, 60) }
func (c *TrackingConfig) GetStationaryStreak() int  { return getInt(c.StationaryStreak, 3) }

// GetStationaryForwardEvery returns K: one in K stationary fixes is queued.
func (c *TrackingConfig) GetStationaryForwardEvery() int {
	return getInt(c.StationaryForwardEvery, 5)
}

func (c *TrackingConfig) GetMinDistanceM() float64 { return getFloat(c.MinDistanceM, 10) }

func (c *TrackingConfig) GetHeartbeatInterval() time.Duration {
	return getDuration(c.HeartbeatInterval, 3*time.Minute)
}

func (c *TrackingConfig) GetFixTimeout() time.Duration {
	return getDuration(c.FixTimeout, 30*time.Second)
}

func (c *TrackingConfig) GetStopRadiusM() float64 { return getFloat(c.StopRadiusM, 75) }

func (c *TrackingConfig) GetStopMinDuration() time.Duration {
	return getDuration(c.StopMinDuration, 5*time.Minute)
}

func (c *TrackingConfig) GetSyncInterval() time.Duration {
	return getDuration(c.SyncInterval, 3*time.Minute)
}

func (c *TrackingConfig) GetMaxBatchSize() int { return getInt(c.MaxBatchSize, 100) }
func (c *TrackingConfig) GetMaxAttempts() int  { return getInt(c.MaxAttempts, 5) }

// GetRetention returns how long uploaded points are kept locally.
func (c *TrackingConfig) GetRetention() time.Duration {
	return getDuration(c.Retention, 7*24*time.Hour)
}

func (c *TrackingConfig) GetDrainTimeout() time.Duration {
	return getDuration(c.DrainTimeout, 60*time.Second)
}

func (c *TrackingConfig) GetDrainBackoff() time.Duration {
	return getDuration(c.DrainBackoff, 2*time.Second)
}

func (c *TrackingConfig) GetHandshakeTimeout() time.Duration {
	return getDuration(c.HandshakeTimeout, 2*time.Second)
}

func (c *TrackingConfig) GetHandshakeAttempts() int { return getInt(c.HandshakeAttempts, 5) }

func (c *TrackingConfig) GetStopTimeout() time.Duration {
	return getDuration(c.StopTimeout, 5*time.Second)
}

func (c *TrackingConfig) GetRestartDelay() time.Duration {
	return getDuration(c.RestartDelay, 3*time.Second)
}

func (c *TrackingConfig) GetDurationTick() time.Duration {
	return getDuration(c.DurationTick, time.Second)
}
