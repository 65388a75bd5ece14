// Package config loads and saves the clock's persisted settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrockway/network-clock/control/display"
	"github.com/jrockway/network-clock/control/softclock"
	"github.com/jrockway/network-clock/control/timesync"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for settings that can not be used.
var ErrInvalid = errors.New("invalid config")

// Config is everything the clock remembers across restarts.
type Config struct {
	Network  Network  `yaml:"network"`
	Device   Device   `yaml:"device"`
	Sync     Sync     `yaml:"sync"`
	Hardware Hardware `yaml:"hardware"`
	HTTP     HTTP     `yaml:"http"`
}

// Network is the wireless network the clock joins.  Association is handled by the host.
type Network struct {
	SSID string `yaml:"ssid"`
	PSK  string `yaml:"psk"`
}

// Device is the user-facing configuration.
type Device struct {
	Name       string `yaml:"name"`
	LoginName  string `yaml:"login_name"`
	Password   string `yaml:"password"`
	Brightness uint8  `yaml:"brightness"`  // 0-15
	TimeOffset int    `yaml:"time_offset"` // minutes east of UTC
}

// Sync configures the time-sync client.
type Sync struct {
	Server       string        `yaml:"server"`
	LocalPort    int           `yaml:"local_port"`
	Resync       string        `yaml:"resync"` // cron expression
	PollInterval time.Duration `yaml:"poll_interval"`
	Attempts     int           `yaml:"attempts"`
}

// Hardware names the display and buttons.  Empty pin names mean "not connected".
type Hardware struct {
	Driver    string        `yaml:"driver"` // max7219, shiftregister or preview
	SPI       string        `yaml:"spi"`    // periph.io port name, or a /dev/spidev path
	SPISpeed  int64         `yaml:"spi_speed"`
	Latch     string        `yaml:"latch"`
	BitOrder  string        `yaml:"bit_order"`
	Multiplex time.Duration `yaml:"multiplex"`

	RefreshButton string `yaml:"refresh_button"`
	WPSButton     string `yaml:"wps_button"`
	OffsetButton  string `yaml:"offset_button"`
	ConnLED       string `yaml:"conn_led"`
}

// HTTP configures the status and configuration server.
type HTTP struct {
	Bind string `yaml:"bind"`
	// WebRoot holds the configuration UI.  Unmatched GET requests are served from it.
	WebRoot string `yaml:"web_root"`
}

// Default returns the configuration of a freshly flashed clock.
func Default() *Config {
	return &Config{
		Device: Device{
			Name:       "clock",
			LoginName:  "admin",
			Password:   "admin",
			Brightness: display.MaxBrightness,
		},
		Sync: Sync{
			Server:       timesync.DefaultServer,
			LocalPort:    2390,
			Resync:       "@every 6h",
			PollInterval: timesync.DefaultPollInterval,
			Attempts:     timesync.DefaultAttempts,
		},
		Hardware: Hardware{
			Driver:    "max7219",
			SPI:       "/dev/spidev0.0",
			SPISpeed:  1000000,
			BitOrder:  "lsb",
			Multiplex: 2 * time.Millisecond,
		},
		HTTP: HTTP{
			Bind:    ":8080",
			WebRoot: "/usr/share/network-clock/www",
		},
	}
}

// Parse reads YAML config, fills in defaults and checks it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	c.Clamp()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the config at path.  A missing file yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Save writes c to path, replacing the old file only once the new one is completely written.
func Save(fs afero.Fs, path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Device.Name == "" {
		c.Device.Name = d.Device.Name
	}
	if c.Device.LoginName == "" {
		c.Device.LoginName = d.Device.LoginName
	}
	if c.Sync.Server == "" {
		c.Sync.Server = d.Sync.Server
	}
	if c.Sync.LocalPort == 0 {
		c.Sync.LocalPort = d.Sync.LocalPort
	}
	if c.Sync.Resync == "" {
		c.Sync.Resync = d.Sync.Resync
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = d.Sync.PollInterval
	}
	if c.Sync.Attempts == 0 {
		c.Sync.Attempts = d.Sync.Attempts
	}
	if c.Hardware.Driver == "" {
		c.Hardware.Driver = d.Hardware.Driver
	}
	if c.Hardware.SPI == "" {
		c.Hardware.SPI = d.Hardware.SPI
	}
	if c.Hardware.SPISpeed == 0 {
		c.Hardware.SPISpeed = d.Hardware.SPISpeed
	}
	if c.Hardware.BitOrder == "" {
		c.Hardware.BitOrder = d.Hardware.BitOrder
	}
	if c.Hardware.Multiplex == 0 {
		c.Hardware.Multiplex = d.Hardware.Multiplex
	}
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = d.HTTP.Bind
	}
	if c.HTTP.WebRoot == "" {
		c.HTTP.WebRoot = d.HTTP.WebRoot
	}
}

// Clamp pulls the brightness and offset into range.
func (c *Config) Clamp() {
	if c.Device.Brightness > display.MaxBrightness {
		c.Device.Brightness = display.MaxBrightness
	}
	if c.Device.TimeOffset > softclock.MaxOffset {
		c.Device.TimeOffset = softclock.MaxOffset
	}
	if c.Device.TimeOffset < -softclock.MaxOffset {
		c.Device.TimeOffset = -softclock.MaxOffset
	}
}

// Validate returns an error wrapping ErrInvalid if the config can not be used.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Sync.Resync); err != nil {
		return fmt.Errorf("%w: resync schedule %q: %v", ErrInvalid, c.Sync.Resync, err)
	}
	if c.Sync.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be positive, not %d", ErrInvalid, c.Sync.Attempts)
	}
	if c.Sync.PollInterval < time.Millisecond {
		return fmt.Errorf("%w: poll interval %v too short", ErrInvalid, c.Sync.PollInterval)
	}
	if c.Sync.LocalPort < 0 || c.Sync.LocalPort > 65535 {
		return fmt.Errorf("%w: local port %d", ErrInvalid, c.Sync.LocalPort)
	}
	if c.Hardware.Multiplex <= 0 {
		return fmt.Errorf("%w: multiplex period must be positive", ErrInvalid)
	}
	if _, err := display.ParseBitOrder(c.Hardware.BitOrder); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Hardware.Driver {
	case "max7219", "shiftregister", "preview":
	default:
		return fmt.Errorf("%w: unknown display driver %q", ErrInvalid, c.Hardware.Driver)
	}
	if c.Hardware.Driver == "shiftregister" && c.Hardware.Latch == "" {
		return fmt.Errorf("%w: the shiftregister driver needs a latch pin", ErrInvalid)
	}
	return nil
}

// Store is the config shared between the clock loop and the HTTP server.  Every change is saved
// before it becomes visible.
type Store struct {
	fs   afero.Fs
	path string

	mu  sync.Mutex
	cfg Config // must hold mu
}

// Open loads the config at path, writing the defaults out if there is no file yet.
func Open(fs afero.Fs, path string) (*Store, error) {
	c, err := Load(fs, path)
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(fs, path, c); err != nil {
			return nil, err
		}
	}
	return &Store{fs: fs, path: path, cfg: *c}, nil
}

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies f to a copy of the config, then clamps, checks and saves it.  Nothing changes if
// any step fails.
func (s *Store) Update(f func(c *Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg
	f(&c)
	c.Clamp()
	if err := c.Validate(); err != nil {
		return s.cfg, err
	}
	if err := Save(s.fs, s.path, &c); err != nil {
		return s.cfg, err
	}
	s.cfg = c
	return c, nil
}
