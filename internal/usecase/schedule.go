package usecase

import (
	"fmt"
	"time"
)

// TradingSchedule limits new entries to UTC hours [StartHour, EndHour) and
// scales position size by the hour's intensity.
type TradingSchedule struct {
	StartHour int             `yaml:"start_hour"`
	EndHour   int             `yaml:"end_hour"`
	Intensity map[int]float64 `yaml:"intensity"`
}

func (s TradingSchedule) Validate() error {
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 24 {
		return fmt.Errorf("schedule hours out of range: %d-%d", s.StartHour, s.EndHour)
	}
	for h, v := range s.Intensity {
		if h < 0 || h > 23 || v < 0 {
			return fmt.Errorf("schedule intensity invalid for hour %d: %v", h, v)
		}
	}
	return nil
}

// IsTradingHour handles windows that wrap past midnight (e.g. 22-6).
func (s TradingSchedule) IsTradingHour(t time.Time) bool {
	h := t.UTC().Hour()
	if s.StartHour == s.EndHour {
		return false
	}
	if s.StartHour < s.EndHour {
		return h >= s.StartHour && h < s.EndHour
	}
	return h >= s.StartHour || h < s.EndHour
}

// IntensityAt defaults to 1.0 for hours without an override.
func (s TradingSchedule) IntensityAt(t time.Time) float64 {
	if v, ok := s.Intensity[t.UTC().Hour()]; ok {
		return v
	}
	return 1.0
}
