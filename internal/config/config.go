// Package config collects the ADLB_* environment variables that tune a
// server's idle-detection, placement, and sync-buffer behavior into one
// validated struct, the way the original's setup_idle_time, setup_load_min,
// setup_par_mod (server.c), xlb_debug_check_environment (debug.c), and the
// scattered getenv calls in common.c/location.c/sync.c/data.c/adlb.c do
// individually at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Placement is the strategy by which AllocGlobal-style global ID reservation
// and worker/server colocation decisions are made (original's ADLB_PLACEMENT,
// common.c).
type Placement int

const (
	PlacementDefault Placement = iota
	PlacementRandom
)

func (p Placement) String() string {
	if p == PlacementRandom {
		return "RANDOM"
	}
	return "DEFAULT"
}

// HostmapMode controls whether a server builds its rank->hostname map
// (original's ADLB_HOSTMAP_MODE, location.c): "ENABLED" (default), "DISABLED",
// or "LEAN" (workers only, no server entries).
type HostmapMode int

const (
	HostmapEnabled HostmapMode = iota
	HostmapDisabled
	HostmapLean
)

func (m HostmapMode) String() string {
	switch m {
	case HostmapDisabled:
		return "DISABLED"
	case HostmapLean:
		return "LEAN"
	default:
		return "ENABLED"
	}
}

// Config is the validated set of ADLB_* tunables read once at startup.
type Config struct {
	// ExhaustTime is the idle interval after which a server begins
	// checking whether the whole job can shut down (ADLB_EXHAUST_TIME,
	// default 1.0s; must be > 0).
	ExhaustTime float64
	// LoadMin is ADLB_LOAD_MIN (default 0, must be in [0,1)). It is parsed
	// and validated here only; no server code reads it, so a low worker
	// load never aborts the job.
	LoadMin float64
	// ParMod requires parallel task worker-rank sets to start on a
	// multiple of this value (ADLB_PAR_MOD, default 1, must be >= 0).
	ParMod int
	// Placement is ADLB_PLACEMENT, default PlacementDefault.
	Placement Placement
	// HostmapMode is ADLB_HOSTMAP_MODE, default HostmapEnabled.
	HostmapMode HostmapMode
	// SyncRecvs is ADLB_SYNC_RECVS (default 8, must be > 0). It is parsed
	// and validated here only; the sync protocol posts no fixed ring of
	// receives and does not read it.
	SyncRecvs int
	// DebugSyncBufferSize is ADLB_DEBUG_SYNC_BUFFER_SIZE (default 2048,
	// must be > 0). It is parsed and validated here only; the deferred-sync
	// queue is a plain slice whose size does not depend on it.
	DebugSyncBufferSize int
	// ReportLeaks, if set, makes finalize print every datum whose
	// refcount never reached zero (ADLB_REPORT_LEAKS, default false).
	ReportLeaks bool
	// PrintTime, if set, makes finalize print elapsed wall time
	// (ADLB_PRINT_TIME, default false).
	PrintTime bool
	// PerfCounters enables the metrics package's prometheus registration
	// (ADLB_PERF_COUNTERS, default false).
	PerfCounters bool
	// Debug and Trace gate logging verbosity (ADLB_DEBUG, ADLB_TRACE,
	// both default true, matching the original's debug.c default-enabled
	// stance in non-release builds).
	Debug bool
	Trace bool
}

// Default returns the same defaults the original falls back to when no
// ADLB_* environment variable overrides them.
func Default() Config {
	return Config{
		ExhaustTime:         1.0,
		LoadMin:             0.0,
		ParMod:              1,
		Placement:           PlacementDefault,
		HostmapMode:         HostmapEnabled,
		SyncRecvs:           8,
		DebugSyncBufferSize: 2048,
		ReportLeaks:         false,
		PrintTime:           false,
		PerfCounters:        false,
		Debug:               true,
		Trace:               true,
	}
}

// FromEnviron builds a Config starting from Default and overriding each
// field whose ADLB_* variable is set, validating as it goes. It returns an
// error naming the first illegal value, mirroring the original's pattern of
// aborting startup on the first bad setting rather than collecting all of
// them.
func FromEnviron() (Config, error) {
	c := Default()

	if err := overrideFloat("ADLB_EXHAUST_TIME", &c.ExhaustTime); err != nil {
		return Config{}, err
	}
	if c.ExhaustTime <= 0 {
		return Config{}, fmt.Errorf("config: illegal ADLB_EXHAUST_TIME %v: must be > 0", c.ExhaustTime)
	}

	if err := overrideFloat("ADLB_LOAD_MIN", &c.LoadMin); err != nil {
		return Config{}, err
	}
	if c.LoadMin < 0 || c.LoadMin >= 1 {
		return Config{}, fmt.Errorf("config: illegal ADLB_LOAD_MIN %v: must be in [0, 1)", c.LoadMin)
	}

	if err := overrideInt("ADLB_PAR_MOD", &c.ParMod); err != nil {
		return Config{}, err
	}
	if c.ParMod < 0 {
		return Config{}, fmt.Errorf("config: illegal ADLB_PAR_MOD %v: must be >= 0", c.ParMod)
	}

	if s, ok := os.LookupEnv("ADLB_PLACEMENT"); ok {
		switch strings.ToUpper(s) {
		case "RANDOM":
			c.Placement = PlacementRandom
		case "DEFAULT", "":
			c.Placement = PlacementDefault
		default:
			return Config{}, fmt.Errorf("config: invalid ADLB_PLACEMENT value: %s", s)
		}
	}

	if s, ok := os.LookupEnv("ADLB_HOSTMAP_MODE"); ok {
		switch strings.ToUpper(s) {
		case "ENABLED", "":
			c.HostmapMode = HostmapEnabled
		case "DISABLED":
			c.HostmapMode = HostmapDisabled
		case "LEAN":
			c.HostmapMode = HostmapLean
		default:
			return Config{}, fmt.Errorf("config: unknown ADLB_HOSTMAP_MODE setting: %s", s)
		}
	}

	if err := overrideInt("ADLB_SYNC_RECVS", &c.SyncRecvs); err != nil {
		return Config{}, err
	}
	if c.SyncRecvs <= 0 {
		return Config{}, fmt.Errorf("config: illegal ADLB_SYNC_RECVS %v: must be > 0", c.SyncRecvs)
	}

	if err := overrideInt("ADLB_DEBUG_SYNC_BUFFER_SIZE", &c.DebugSyncBufferSize); err != nil {
		return Config{}, err
	}
	if c.DebugSyncBufferSize <= 0 {
		return Config{}, fmt.Errorf("config: illegal ADLB_DEBUG_SYNC_BUFFER_SIZE %v: must be > 0", c.DebugSyncBufferSize)
	}

	if err := overrideBool("ADLB_REPORT_LEAKS", &c.ReportLeaks); err != nil {
		return Config{}, err
	}
	if err := overrideBool("ADLB_PRINT_TIME", &c.PrintTime); err != nil {
		return Config{}, err
	}
	if err := overrideBool("ADLB_PERF_COUNTERS", &c.PerfCounters); err != nil {
		return Config{}, err
	}
	if err := overrideBool("ADLB_TRACE", &c.Trace); err != nil {
		return Config{}, err
	}
	if err := overrideBool("ADLB_DEBUG", &c.Debug); err != nil {
		return Config{}, err
	}

	return c, nil
}

func overrideFloat(name string, dst *float64) error {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("config: illegal value of %s: %q", name, s)
	}
	*dst = v
	return nil
}

func overrideInt(name string, dst *int) error {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("config: illegal value of %s: %q", name, s)
	}
	*dst = v
	return nil
}

func overrideBool(name string, dst *bool) error {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return nil
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("config: illegal boolean value of %s: %q", name, s)
	}
	return nil
}
