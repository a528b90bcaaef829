package correlate

import (
	"time"

	"berkut-siem/config"
)

// Config holds detector windows and thresholds.
type Config struct {
	BruteForceWindow       time.Duration
	BruteForceThreshold    int
	PasswordSprayWindow    time.Duration
	PasswordSprayThreshold int
	CredStuffingWindow     time.Duration
	CredStuffingThreshold  int
	ConcurrentLoginWindow  time.Duration
	PortScanWindow         time.Duration
	PortScanThreshold      int
	WebScanWindow          time.Duration
	WebScanThreshold       int
}

func DefaultConfig() Config {
	return Config{
		BruteForceWindow:       10 * time.Minute,
		BruteForceThreshold:    10,
		PasswordSprayWindow:    10 * time.Minute,
		PasswordSprayThreshold: 8,
		CredStuffingWindow:     10 * time.Minute,
		CredStuffingThreshold:  10,
		ConcurrentLoginWindow:  10 * time.Minute,
		PortScanWindow:         5 * time.Minute,
		PortScanThreshold:      20,
		WebScanWindow:          2 * time.Minute,
		WebScanThreshold:       30,
	}
}

// FromConfig applies non-zero overrides on top of DefaultConfig.
func FromConfig(c config.CorrelationConfig) Config {
	cfg := DefaultConfig()
	dur := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	dur(&cfg.BruteForceWindow, c.BruteForceWindow)
	num(&cfg.BruteForceThreshold, c.BruteForceThreshold)
	dur(&cfg.PasswordSprayWindow, c.PasswordSprayWindow)
	num(&cfg.PasswordSprayThreshold, c.PasswordSprayThreshold)
	dur(&cfg.CredStuffingWindow, c.CredStuffingWindow)
	num(&cfg.CredStuffingThreshold, c.CredStuffingThreshold)
	dur(&cfg.ConcurrentLoginWindow, c.ConcurrentLoginWindow)
	dur(&cfg.PortScanWindow, c.PortScanWindow)
	num(&cfg.PortScanThreshold, c.PortScanThreshold)
	dur(&cfg.WebScanWindow, c.WebScanWindow)
	num(&cfg.WebScanThreshold, c.WebScanThreshold)
	return cfg
}
