// Package ops loads the engine's JSON configuration: venues and their
// listings, routing behavior, reconnection policy and the optional
// archive and profiling endpoints.
package ops

import (
	"encoding/json"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/coord"
	"main/internal/router"
	"main/internal/schema"
	"main/internal/venue"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Venues      []VenueConfig   `json:"venues"`
	Router      RouterConfig    `json:"router"`
	Coordinator CoordConfig     `json:"coordinator"`
	Metrics     MetricsConfig   `json:"metrics"`
	Profiling   ProfilingConfig `json:"profiling"`
	Archive     ArchiveConfig   `json:"archive"`
}

// VenueConfig describes one venue connection and its listings.
type VenueConfig struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Key         string         `json:"key"`
	Secret      string         `json:"secret"`
	Passphrase  string         `json:"passphrase"`
	RESTBaseURL string         `json:"restBaseUrl"`
	WSBaseURL   string         `json:"wsBaseUrl"`
	Symbols     []SymbolConfig `json:"symbols"`
}

// SymbolConfig maps a canonical market name to the venue's own symbol.
// Tick and lot are decimal strings.
type SymbolConfig struct {
	Name        string `json:"name"`
	VenueSymbol string `json:"venueSymbol"`
	Tick        string `json:"tick"`
	Lot         string `json:"lot"`
}

// RouterConfig controls order routing. Precedence maps venue name to
// "fill_wins" or "first_wins".
type RouterConfig struct {
	AckTimeoutMs  int               `json:"ackTimeoutMs"`
	MaxAckRetries int               `json:"maxAckRetries"`
	Policy        string            `json:"policy"`
	Precedence    map[string]string `json:"precedence"`
}

// CoordConfig controls venue supervision and reconnection.
type CoordConfig struct {
	InitialBackoffMs   int `json:"initialBackoffMs"`
	MaxBackoffMs       int `json:"maxBackoffMs"`
	FailureThreshold   int `json:"failureThreshold"`
	StableAfterMs      int `json:"stableAfterMs"`
	HeartbeatTimeoutMs int `json:"heartbeatTimeoutMs"`
	BufferLimit        int `json:"bufferLimit"`
}

// MetricsConfig controls the metrics listener.
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// ProfilingConfig controls continuous profiling.
type ProfilingConfig struct {
	Enabled         bool   `json:"enabled"`
	ServerAddress   string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// ArchiveConfig controls the terminal-order archive.
type ArchiveConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// VenueSpec is one resolved venue: registry ids assigned, venue
// symbols keyed by canonical id.
type VenueSpec struct {
	ID          schema.VenueID
	Name        string
	Kind        string
	Key         string
	Secret      string
	Passphrase  string
	RESTBaseURL string
	WSBaseURL   string
	Symbols     map[schema.SymbolID]string
	SymbolIDs   []schema.SymbolID
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry    *schema.Registry
	Venues      []VenueSpec
	Router      router.Config
	Policy      string
	Coordinator coord.Config
	Metrics     MetricsConfig
	Profiling   ProfilingConfig
	Archive     ArchiveConfig
}

// Load reads a JSON config file and resolves it against a fresh
// registry.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "parse config")
	}
	return Resolve(cfg)
}

// Resolve builds the registry and per-venue specs from a parsed
// config.
func Resolve(cfg FileConfig) (Loaded, error) {
	if len(cfg.Venues) == 0 {
		return Loaded{}, errors.New("no venues configured")
	}

	registry := schema.NewRegistry()
	venues := make([]VenueSpec, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		if vc.Kind == "" {
			return Loaded{}, errors.Errorf("venue %s: kind is empty", vc.Name)
		}
		venueID, err := registry.AddVenue(vc.Name)
		if err != nil {
			return Loaded{}, errors.Wrap(err, "add venue").With("venue", vc.Name)
		}

		spec := VenueSpec{
			ID:          venueID,
			Name:        vc.Name,
			Kind:        vc.Kind,
			Key:         vc.Key,
			Secret:      vc.Secret,
			Passphrase:  vc.Passphrase,
			RESTBaseURL: vc.RESTBaseURL,
			WSBaseURL:   vc.WSBaseURL,
			Symbols:     make(map[schema.SymbolID]string, len(vc.Symbols)),
		}
		if len(vc.Symbols) == 0 {
			return Loaded{}, errors.Errorf("venue %s: no symbols configured", vc.Name)
		}
		for _, sc := range vc.Symbols {
			tick, lot, err := parseScale(sc)
			if err != nil {
				return Loaded{}, errors.Wrap(err, "parse scale").With("symbol", sc.Name)
			}
			symbolID, err := registry.AddSymbol(sc.Name, venueID, tick, lot)
			if err != nil {
				return Loaded{}, errors.Wrap(err, "add symbol").With("symbol", sc.Name)
			}
			venueName := sc.VenueSymbol
			if venueName == "" {
				venueName = sc.Name
			}
			spec.Symbols[symbolID] = venueName
			spec.SymbolIDs = append(spec.SymbolIDs, symbolID)
		}
		venues = append(venues, spec)
	}

	routerCfg, err := resolveRouter(cfg.Router, registry)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Registry:    registry,
		Venues:      venues,
		Router:      routerCfg,
		Policy:      cfg.Router.Policy,
		Coordinator: resolveCoordinator(cfg.Coordinator),
		Metrics:     cfg.Metrics,
		Profiling:   cfg.Profiling,
		Archive:     cfg.Archive,
	}, nil
}

func parseScale(sc SymbolConfig) (tick, lot decimal.Decimal, err error) {
	if sc.Name == "" {
		return tick, lot, errors.New("symbol name is empty")
	}
	if sc.Tick != "" {
		tick, err = decimal.NewFromString(sc.Tick)
		if err != nil {
			return tick, lot, errors.Wrap(err, "parse tick")
		}
	}
	if sc.Lot != "" {
		lot, err = decimal.NewFromString(sc.Lot)
		if err != nil {
			return tick, lot, errors.Wrap(err, "parse lot")
		}
	}
	if tick.IsNegative() || lot.IsNegative() {
		return tick, lot, errors.New("tick and lot must be >= 0")
	}
	return tick, lot, nil
}

func resolveRouter(cfg RouterConfig, registry *schema.Registry) (router.Config, error) {
	out := router.Config{
		AckTimeout:    time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
		MaxAckRetries: cfg.MaxAckRetries,
	}
	if len(cfg.Precedence) > 0 {
		out.Precedence = make(map[schema.VenueID]router.Precedence, len(cfg.Precedence))
		for name, mode := range cfg.Precedence {
			venueID, ok := registry.VenueIDByName(name)
			if !ok {
				return out, errors.Errorf("precedence for unknown venue: %s", name)
			}
			switch mode {
			case "fill_wins":
				out.Precedence[venueID] = router.PrecedenceFillWins
			case "first_wins":
				out.Precedence[venueID] = router.PrecedenceFirstWins
			default:
				return out, errors.Errorf("unknown precedence mode %q for venue %s", mode, name)
			}
		}
	}
	return out, nil
}

func resolveCoordinator(cfg CoordConfig) coord.Config {
	return coord.Config{
		Session: venue.SessionConfig{
			HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond,
			BufferLimit:      cfg.BufferLimit,
		},
		InitialBackoff:   time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		FailureThreshold: cfg.FailureThreshold,
		StableAfter:      time.Duration(cfg.StableAfterMs) * time.Millisecond,
	}
}
