package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Station       StationConfig       `toml:"station"`       // Physical location settings
	ADSB          ADSBConfig          `toml:"adsb"`          // Aircraft data source settings
	Storage       StorageConfig       `toml:"storage"`       // Data persistence settings
	Redis         RedisConfig         `toml:"redis"`         // Shared Redis for cooldowns and rule-cache generation
	Cooldown      CooldownConfig      `toml:"cooldown"`      // Cooldown store settings
	Rules         RulesConfig         `toml:"rules"`         // Rule cache settings
	Alerts        AlertsConfig        `toml:"alerts"`        // Alert engine settings
	Notifications NotificationsConfig `toml:"notifications"` // Outbound notification delivery
	Safety        SafetyConfig        `toml:"safety"`        // Safety monitor thresholds
	Metrics       MetricsConfig       `toml:"metrics"`       // Prometheus endpoint
	Scheduler     SchedulerConfig     `toml:"scheduler"`     // Maintenance job schedules
	Simulation    SimulationConfig    `toml:"simulation"`    // Synthetic aircraft
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port
	Host             string `toml:"host"`                  // Bind address
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StationConfig locates the receiver. Set latitude/longitude directly, or
// airport_code plus airports_db_path to look them up in an OurAirports CSV.
type StationConfig struct {
	Latitude       float64 `toml:"latitude"`
	Longitude      float64 `toml:"longitude"`
	ElevationFeet  int     `toml:"elevation_feet"`
	AirportCode    string  `toml:"airport_code"`     // ICAO code of the airport (e.g., "CYYZ")
	AirportsDBPath string  `toml:"airports_db_path"` // Path to airport database CSV file (OurAirports format)
}

// ADSBConfig contains ADS-B aircraft data source configuration
type ADSBConfig struct {
	// Allowed values:
	// - "local": a local receiver (dump1090 / tar1090)
	// - "external-adsbexchangelike": center point + radius provider (ADS-B Exchange style)
	SourceType string `toml:"source_type"`

	LocalSourceURL    string `toml:"local_source_url"`    // e.g. http://192.168.1.10/tar1090/data/aircraft.json
	ExternalSourceURL string `toml:"external_source_url"` // URL template with lat, lon, distance placeholders
	APIHost           string `toml:"api_host"`            // API host header value (e.g., for RapidAPI)
	APIKey            string `toml:"api_key"`
	SearchRadiusNM    int    `toml:"search_radius_nm"`

	FetchIntervalSecs  int `toml:"fetch_interval_seconds"`
	RequestTimeoutSecs int `toml:"request_timeout_seconds"`
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// RedisConfig is used when either cooldown.backend or rules.cache_backend is "redis"
type RedisConfig struct {
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	DialTimeoutMs  int    `toml:"dial_timeout_ms"`
	ReadTimeoutMs  int    `toml:"read_timeout_ms"`
	WriteTimeoutMs int    `toml:"write_timeout_ms"`
	KeyPrefix      string `toml:"key_prefix"`
}

// CooldownConfig selects the cooldown store
type CooldownConfig struct {
	Backend         string `toml:"backend"`           // "memory" (single process) or "redis"
	OnError         string `toml:"on_error"`          // "closed" suppresses on store errors, "open" emits
	StaleAgeSeconds int    `toml:"stale_age_seconds"` // in-memory entries older than this are swept
}

// RulesConfig contains rule cache settings
type RulesConfig struct {
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	CacheBackend    string `toml:"cache_backend"` // "local" or "redis" generation counter
}

// AlertsConfig contains alert engine settings
type AlertsConfig struct {
	Enabled          bool   `toml:"enabled"`
	WebhookURL       string `toml:"webhook_url"` // Global webhook receiving every alert
	MaxDryRunMatches int    `toml:"max_dry_run_matches"`
}

// NotificationsConfig contains outbound delivery settings
type NotificationsConfig struct {
	Workers            int     `toml:"workers"`
	QueueSize          int     `toml:"queue_size"`
	TimeoutMs          int     `toml:"timeout_ms"`
	RateLimitPerMinute float64 `toml:"rate_limit_per_minute"`
	Burst              int     `toml:"burst"`
	UserAgent          string  `toml:"user_agent"`
}

// SafetyConfig contains safety monitor thresholds
type SafetyConfig struct {
	Enabled                  bool    `toml:"enabled"`
	ExtremeVSThresholdFPM    float64 `toml:"extreme_vs_threshold_fpm"`
	TCASVSThresholdFPM       float64 `toml:"tcas_vs_threshold_fpm"`
	ReversalChangeFPM        float64 `toml:"reversal_change_fpm"`
	ProximityNM              float64 `toml:"proximity_nm"`
	ProximityAltitudeFt      float64 `toml:"proximity_altitude_ft"`
	EmergencyCooldownSeconds int     `toml:"emergency_cooldown_seconds"`
	EventCooldownSeconds     int     `toml:"event_cooldown_seconds"`
	RequireBothAltitudes     bool    `toml:"require_both_altitudes"` // skip pairs where either altitude is unknown
	TrackGraceCycles         int     `toml:"track_grace_cycles"`     // missed polls before track state is dropped
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// SchedulerConfig contains cron schedules for maintenance jobs
type SchedulerConfig struct {
	CooldownSweep string `toml:"cooldown_sweep"`
	RulesRefresh  string `toml:"rules_refresh"`
}

// SimulationConfig seeds synthetic aircraft at startup
type SimulationConfig struct {
	Aircraft []SimulatedAircraft `toml:"aircraft"`
}

// SimulatedAircraft is one [[simulation.aircraft]] entry
type SimulatedAircraft struct {
	Flight       string  `toml:"flight"`
	Squawk       string  `toml:"squawk"`
	Lat          float64 `toml:"lat"`
	Lon          float64 `toml:"lon"`
	Altitude     float64 `toml:"altitude"`
	Heading      float64 `toml:"heading"`
	Speed        float64 `toml:"speed"`
	VerticalRate float64 `toml:"vertical_rate"`
}

// Load loads the configuration from a TOML file. Boolean switches default to
// true when their key is absent.
func Load(path string) (*Config, error) {
	config := Config{
		Alerts:  AlertsConfig{Enabled: true},
		Safety:  SafetyConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if config.Station.AirportCode != "" && config.Station.AirportsDBPath != "" {
		if err := config.loadStationFromCSV(); err != nil {
			return nil, fmt.Errorf("failed to load station details from CSV: %w", err)
		}
	}

	return &config, nil
}

// loadStationFromCSV reads lat/lon/elevation for the airport code from an OurAirports CSV
func (c *Config) loadStationFromCSV() error {
	file, err := os.Open(c.Station.AirportsDBPath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.LazyQuotes = true

	// Skip header
	if _, err := reader.Read(); err != nil {
		return err
	}

	records, err := reader.ReadAll()
	if err != nil {
		return err
	}

	code := strings.ToUpper(c.Station.AirportCode)
	for _, record := range records {
		// ident is column 1; latitude, longitude and elevation follow at 4, 5, 6
		if len(record) < 7 || strings.ToUpper(record[1]) != code {
			continue
		}

		lat, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return fmt.Errorf("invalid latitude in CSV for %s: %w", code, err)
		}
		lon, err := strconv.ParseFloat(record[5], 64)
		if err != nil {
			return fmt.Errorf("invalid longitude in CSV for %s: %w", code, err)
		}
		c.Station.Latitude = lat
		c.Station.Longitude = lon

		if record[6] != "" {
			if elev, err := strconv.ParseFloat(record[6], 64); err == nil {
				c.Station.ElevationFeet = int(elev)
			}
		}
		return nil
	}

	return fmt.Errorf("airport code %s not found in %s", code, c.Station.AirportsDBPath)
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate fills in defaults and rejects invalid settings
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	defaultInt(&c.Server.ReadTimeoutSecs, 15)
	defaultInt(&c.Server.IdleTimeoutSecs, 60)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if err := c.ValidateStation(); err != nil {
		return err
	}

	if c.ADSB.SourceType == "" {
		c.ADSB.SourceType = "local"
	}
	switch c.ADSB.SourceType {
	case "local":
		if c.ADSB.LocalSourceURL == "" {
			return fmt.Errorf("local_source_url is required when source_type is local")
		}
	case "external-adsbexchangelike":
		if c.ADSB.ExternalSourceURL == "" {
			return fmt.Errorf("external_source_url is required when source_type is external-adsbexchangelike")
		}
		if c.ADSB.SearchRadiusNM <= 0 {
			c.ADSB.SearchRadiusNM = 50
		}
	default:
		return fmt.Errorf("invalid ADS-B source type: %s", c.ADSB.SourceType)
	}
	defaultInt(&c.ADSB.FetchIntervalSecs, 5)
	defaultInt(&c.ADSB.RequestTimeoutSecs, 10)

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/skywarden.db"
	}

	defaultInt(&c.Redis.DialTimeoutMs, 500)
	defaultInt(&c.Redis.ReadTimeoutMs, 250)
	defaultInt(&c.Redis.WriteTimeoutMs, 250)
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "skywarden"
	}

	if c.Cooldown.Backend == "" {
		c.Cooldown.Backend = "memory"
	}
	if c.Cooldown.Backend != "memory" && c.Cooldown.Backend != "redis" {
		return fmt.Errorf("invalid cooldown backend: %s", c.Cooldown.Backend)
	}
	if c.Cooldown.OnError == "" {
		c.Cooldown.OnError = "closed"
	}
	if c.Cooldown.OnError != "closed" && c.Cooldown.OnError != "open" {
		return fmt.Errorf("invalid cooldown on_error policy: %s", c.Cooldown.OnError)
	}
	defaultInt(&c.Cooldown.StaleAgeSeconds, 3600)

	defaultInt(&c.Rules.CacheTTLSeconds, 60)
	if c.Rules.CacheBackend == "" {
		c.Rules.CacheBackend = "local"
	}
	if c.Rules.CacheBackend != "local" && c.Rules.CacheBackend != "redis" {
		return fmt.Errorf("invalid rules cache backend: %s", c.Rules.CacheBackend)
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}

	defaultInt(&c.Alerts.MaxDryRunMatches, 100)

	defaultInt(&c.Notifications.Workers, 4)
	defaultInt(&c.Notifications.QueueSize, 256)
	defaultInt(&c.Notifications.TimeoutMs, 5000)
	defaultInt(&c.Notifications.Burst, 10)
	if c.Notifications.RateLimitPerMinute == 0 {
		c.Notifications.RateLimitPerMinute = 60
	}
	if c.Notifications.UserAgent == "" {
		c.Notifications.UserAgent = "skywarden/1.0"
	}

	if err := c.ValidateSafety(); err != nil {
		return err
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Scheduler.CooldownSweep == "" {
		c.Scheduler.CooldownSweep = "@every 1m"
	}
	if c.Scheduler.RulesRefresh == "" {
		c.Scheduler.RulesRefresh = "@every 5m"
	}

	for i, a := range c.Simulation.Aircraft {
		if a.Lat < -90 || a.Lat > 90 || a.Lon < -180 || a.Lon > 180 {
			return fmt.Errorf("simulation aircraft %d: invalid position %f,%f", i, a.Lat, a.Lon)
		}
	}

	return nil
}

// ValidateStation checks the station coordinates
func (c *Config) ValidateStation() error {
	if c.Station.Latitude < -90 || c.Station.Latitude > 90 {
		return fmt.Errorf("invalid station latitude: %f", c.Station.Latitude)
	}
	if c.Station.Longitude < -180 || c.Station.Longitude > 180 {
		return fmt.Errorf("invalid station longitude: %f", c.Station.Longitude)
	}
	if c.Station.ElevationFeet < -2000 || c.Station.ElevationFeet > 30000 {
		return fmt.Errorf("station elevation out of typical range: %d ft", c.Station.ElevationFeet)
	}
	return nil
}

// ValidateSafety fills in threshold defaults
func (c *Config) ValidateSafety() error {
	s := &c.Safety
	defaultFloat(&s.ExtremeVSThresholdFPM, 6000)
	defaultFloat(&s.TCASVSThresholdFPM, 1500)
	defaultFloat(&s.ReversalChangeFPM, 2000)
	defaultFloat(&s.ProximityNM, 0.5)
	defaultFloat(&s.ProximityAltitudeFt, 500)
	defaultInt(&s.EmergencyCooldownSeconds, 60)
	defaultInt(&s.EventCooldownSeconds, 60)

	if s.ExtremeVSThresholdFPM < 0 || s.TCASVSThresholdFPM < 0 || s.ReversalChangeFPM < 0 {
		return fmt.Errorf("vertical speed thresholds must be positive")
	}
	if s.ProximityNM < 0 || s.ProximityAltitudeFt < 0 {
		return fmt.Errorf("proximity thresholds must be positive")
	}
	if s.TrackGraceCycles < 0 {
		return fmt.Errorf("invalid track_grace_cycles: %d", s.TrackGraceCycles)
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis client
func (c *Config) UsesRedis() bool {
	return c.Cooldown.Backend == "redis" || c.Rules.CacheBackend == "redis"
}

// Seconds converts an integer seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts an integer milliseconds setting to a duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func defaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func defaultFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}
