package x62

import (
	"fmt"

	"kraken-go-home/internal/kraken"
)

// presetRule lists what a preset allows beyond the defaults.
type presetRule struct {
	moving    bool
	direction bool
	speed     bool
	groupSize bool
	logo      bool // usable on the logo and sync zones
	minLen    int
	maxLen    int
}

var presetRules = map[Preset]presetRule{
	PresetFixed:           {logo: true, minLen: 1, maxLen: 1},
	PresetFading:          {speed: true, logo: true, minLen: 1, maxLen: BatchSlots},
	PresetSpectrumWave:    {direction: true, speed: true, logo: true, minLen: 1, maxLen: 1},
	PresetMarquee:         {direction: true, speed: true, groupSize: true, minLen: 1, maxLen: 1},
	PresetCoveringMarquee: {direction: true, speed: true, logo: true, minLen: 1, maxLen: BatchSlots},
	PresetAlternating:     {moving: true, speed: true, minLen: 2, maxLen: 2},
	PresetBreathing:       {speed: true, logo: true, minLen: 1, maxLen: BatchSlots},
	PresetPulse:           {speed: true, logo: true, minLen: 1, maxLen: BatchSlots},
	PresetTaiChi:          {speed: true, minLen: 2, maxLen: 2},
	PresetWaterCooler:     {speed: true, minLen: 1, maxLen: 1},
	PresetLoad:            {minLen: 1, maxLen: 1},
}

// checkBatch applies the device's acceptance rules to a batch whose slots
// share zone, preset and timing, using slot 0 as representative. logoSet and
// ringSet count the slots that have had colors assigned.
func checkBatch(s Slot, n, logoSet, ringSet int) error {
	r, ok := presetRules[s.Preset]
	if !ok {
		return fmt.Errorf("%w: unknown preset %d", kraken.ErrInvalidConfiguration, s.Preset)
	}
	switch {
	case n < r.minLen || n > r.maxLen:
		return fmt.Errorf("%w: preset %s cannot run %d cycles", kraken.ErrInvalidConfiguration, s.Preset, n)
	case s.Zone != ZoneRing && !r.logo:
		return fmt.Errorf("%w: preset %s is not available on the %s leds", kraken.ErrInvalidConfiguration, s.Preset, s.Zone)
	case s.Moving != DefaultMoving && !r.moving:
		return fmt.Errorf("%w: preset %s does not support moving", kraken.ErrInvalidConfiguration, s.Preset)
	case s.Direction != DefaultDirection && !r.direction:
		return fmt.Errorf("%w: preset %s does not support direction", kraken.ErrInvalidConfiguration, s.Preset)
	case s.Speed != DefaultSpeed && !r.speed:
		return fmt.Errorf("%w: preset %s does not support interval", kraken.ErrInvalidConfiguration, s.Preset)
	case s.GroupSize != DefaultGroupSize && !r.groupSize:
		return fmt.Errorf("%w: preset %s does not support group size", kraken.ErrInvalidConfiguration, s.Preset)
	case s.Zone != ZoneRing && logoSet < n:
		return fmt.Errorf("%w: only %d logo colors set for %d cycles", kraken.ErrInvalidConfiguration, logoSet, n)
	case s.Zone != ZoneLogo && ringSet < n:
		return fmt.Errorf("%w: only %d ring color sets for %d cycles", kraken.ErrInvalidConfiguration, ringSet, n)
	}
	return nil
}
