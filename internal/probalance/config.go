package probalance

import "codeberg.org/mutker/lassoctl/internal/errors"

const (
	defaultThrottleThreshold  = 25.0
	defaultLoadThreshold      = 50.0
	defaultRestoreThreshold   = 10.0
	defaultHoldSeconds        = 3
	defaultRestoreHoldSeconds = 5
	defaultThrottleNice       = 10
	defaultThrottleIOClass    = 3 // idle
)

// Config holds the governor's tunables. Thresholds are percentages;
// hold times are consecutive seconds the condition must persist.
type Config struct {
	Enabled            bool
	ThrottleThreshold  float64 // per-process CPU share that triggers throttling
	LoadThreshold      float64 // system busy floor; below it nothing is throttled
	RestoreThreshold   float64 // share a throttled process must stay under
	HoldSeconds        int
	RestoreHoldSeconds int
	ThrottleNice       int
	ThrottleIOClass    int
	Exempt             []string // case-insensitive substrings
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ThrottleThreshold:  defaultThrottleThreshold,
		LoadThreshold:      defaultLoadThreshold,
		RestoreThreshold:   defaultRestoreThreshold,
		HoldSeconds:        defaultHoldSeconds,
		RestoreHoldSeconds: defaultRestoreHoldSeconds,
		ThrottleNice:       defaultThrottleNice,
		ThrottleIOClass:    defaultThrottleIOClass,
		Exempt: []string{
			"systemd", "dbus", "Xorg", "Xwayland", "kwin", "mutter",
			"gnome-shell", "plasmashell", "pipewire", "pulseaudio",
		},
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.ThrottleThreshold <= 0 || c.ThrottleThreshold > 100 {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "throttle threshold must be in (0, 100]")
	}
	if c.LoadThreshold < 0 || c.LoadThreshold > 100 {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "load threshold must be in [0, 100]")
	}
	if c.RestoreThreshold < 0 || c.RestoreThreshold >= c.ThrottleThreshold {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "restore threshold must be below the throttle threshold")
	}
	if c.HoldSeconds < 1 || c.RestoreHoldSeconds < 1 {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "hold times must be at least one second")
	}
	if c.ThrottleNice < -20 || c.ThrottleNice > 19 {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "throttle nice out of range")
	}
	if c.ThrottleIOClass < 0 || c.ThrottleIOClass > 3 {
		return errFactory.WithMessage(ErrInvalidGovernorConfig, "throttle io class out of range")
	}

	return nil
}
