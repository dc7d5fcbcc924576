package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/petervdpas/djlink/internal/util"
)

type Config struct {
	Player  Player  `json:"player"`
	Status  Status  `json:"status"`
	Viewer  Viewer  `json:"viewer"`
	Storage Storage `json:"storage"`
}

type Player struct {
	// Name is the device name announced on the network, at most twenty
	// bytes of plain ASCII.
	Name string `json:"name"`

	// Number is the device number to use, or 0 to self-assign one at start.
	Number int `json:"number"`

	// UseStandardPlayerNumber makes self-assignment try the real player
	// range 1-4 before falling back to 5-15. Required for sending status.
	UseStandardPlayerNumber bool `json:"use_standard_player_number"`

	// AnnounceIntervalMs is the milliseconds between presence broadcasts.
	AnnounceIntervalMs int `json:"announce_interval_ms"`
}

type Status struct {
	// Send controls whether we transmit our own status packets, which is
	// required to participate in (and control) tempo and beat sync.
	Send bool `json:"send"`

	// IntervalMs is the milliseconds between status packets.
	IntervalMs int `json:"interval_ms"`

	// Tempo is the BPM we report playing at.
	Tempo float64 `json:"tempo"`

	// TempoEpsilon is how large a tempo change must be before it is
	// reported as a real difference.
	TempoEpsilon float64 `json:"tempo_epsilon"`

	Playing bool `json:"playing"`
	Synced  bool `json:"synced"`
	OnAir   bool `json:"on_air"`
}

type Viewer struct {
	// HTTPAddr is the listen address of the local status viewer, for
	// example "127.0.0.1:8077". Empty disables the viewer.
	HTTPAddr string `json:"http_addr"`
}

type Storage struct {
	// SightingsDBPath is the SQLite file recording every device seen on the
	// network across runs. Relative to the data directory. Empty disables
	// the sighting log.
	SightingsDBPath string `json:"sightings_db_path"`
}

func Default() Config {
	return Config{
		Player: Player{
			Name:                    "djlink",
			Number:                  0,
			UseStandardPlayerNumber: false,
			AnnounceIntervalMs:      1500,
		},
		Status: Status{
			Send:         false,
			IntervalMs:   200,
			Tempo:        120.0,
			TempoEpsilon: 0.0001,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8077",
		},
		Storage: Storage{
			SightingsDBPath: "data/sightings.db",
		},
	}
}

func (c *Config) Validate() error {
	// Player
	if len(c.Player.Name) == 0 {
		return errors.New("player.name is required")
	}
	if len(c.Player.Name) > 20 {
		return errors.New("player.name must be at most 20 bytes")
	}
	if c.Player.Number < 0 || c.Player.Number > 127 {
		return errors.New("player.number must be 0..127")
	}
	if c.Player.AnnounceIntervalMs < 200 || c.Player.AnnounceIntervalMs > 2000 {
		return errors.New("player.announce_interval_ms must be 200..2000")
	}

	// Status
	if c.Status.IntervalMs < 20 || c.Status.IntervalMs > 2000 {
		return errors.New("status.interval_ms must be 20..2000")
	}
	if c.Status.Tempo <= 0 {
		return errors.New("status.tempo must be > 0")
	}
	if c.Status.TempoEpsilon < 0 {
		return errors.New("status.tempo_epsilon must be >= 0")
	}
	if c.Status.Send && (c.Player.Number > 4) {
		return errors.New("status.send requires a standard player number (1..4) or self-assignment")
	}

	return nil
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadPartial reads a config file without validating it, for callers that
// only need individual fields out of a file that may not fully validate.
// Fields absent from the JSON keep their default values.
func LoadPartial(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Windows editors like to prepend a UTF-8 byte order mark.
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save validates the config and writes it to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config file, first writing one full of defaults if
// nothing exists at the path yet. Reports whether a new file was created.
func Ensure(path string) (Config, bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		cfg, err := Load(path)
		return cfg, false, err
	case os.IsNotExist(err):
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, false, fmt.Errorf("write default config: %w", err)
		}
		return cfg, true, nil
	default:
		return Config{}, false, err
	}
}
