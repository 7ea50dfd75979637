package behavior

import (
	"errors"
	"sync"
)

// InfestationConfig defines accumulation/decay rates and thresholds for the
// world-scoped infestation state machine.
type InfestationConfig struct {
	AccumulationRate     float64 // counter increase per tick when conditions met
	DecayRate            float64 // counter decrease per tick otherwise
	WarningThreshold     float64 // warning band lower bound
	PlagueHeartThreshold float64 // counter value that activates the plague heart
	ClearThreshold       float64 // counter must drop below this to clear (hysteresis)
	ThrottleAmount       float64 // production multiplier while plague heart active
	RebellionTrigger     float64 // avg rebellion must exceed this for accumulation
	TraumaTrigger        float64 // avg trauma must exceed this for accumulation
}

func DefaultInfestationConfig() InfestationConfig {
	return InfestationConfig{
		AccumulationRate:     2.0,
		DecayRate:            1.0,
		WarningThreshold:     50,
		PlagueHeartThreshold: 100,
		ClearThreshold:       75,
		ThrottleAmount:       0.50,
		RebellionTrigger:     0.35,
		TraumaTrigger:        0.40,
	}
}

// InfestationState is the current plague-heart state. Counter ranges 0-100.
type InfestationState struct {
	Counter            float64 `json:"counter"`
	IsPlagueHeart      bool    `json:"is_plague_heart"`
	ThrottleMultiplier float64 `json:"throttle_multiplier"`
	LastTick           int64   `json:"last_tick"`
}

// InfestationTickResult describes one tick's transitions. The *Entered flags
// fire exactly once per band entry so telemetry emission stays edge-triggered.
type InfestationTickResult struct {
	PreviousCounter    float64
	NewCounter         float64
	Accumulated        bool
	WarningEntered     bool
	PlagueHeartEntered bool
	PlagueHeartCleared bool
	PlagueHeartActive  bool
}

var ErrNoPlagueHeart = errors.New("behavior: plague heart is not active")

// Infestation accumulates from sustained rebellion + trauma, decays otherwise,
// with hysteresis between activation and clear thresholds.
type Infestation struct {
	mu      sync.RWMutex
	state   InfestationState
	config  InfestationConfig
	warning bool // inside the warning band
}

func NewInfestation(config InfestationConfig) *Infestation {
	return &Infestation{
		state:  InfestationState{ThrottleMultiplier: 1.0},
		config: config,
	}
}

// Tick advances the state machine. Accumulation requires both triggers
// exceeded; the counter is clamped to [0, PlagueHeartThreshold].
func (f *Infestation) Tick(avgRebellion, avgTrauma float64, tickNumber int64) InfestationTickResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.state.Counter
	wasPlague := f.state.IsPlagueHeart
	wasWarning := f.warning
	accumulated := false

	if avgRebellion > f.config.RebellionTrigger && avgTrauma > f.config.TraumaTrigger {
		f.state.Counter += f.config.AccumulationRate
		accumulated = true
	} else {
		f.state.Counter -= f.config.DecayRate
	}
	if f.state.Counter < 0 {
		f.state.Counter = 0
	}
	if f.state.Counter > f.config.PlagueHeartThreshold {
		f.state.Counter = f.config.PlagueHeartThreshold
	}

	if !f.state.IsPlagueHeart && f.state.Counter >= f.config.PlagueHeartThreshold {
		f.state.IsPlagueHeart = true
		f.state.ThrottleMultiplier = f.config.ThrottleAmount
	} else if f.state.IsPlagueHeart && f.state.Counter < f.config.ClearThreshold {
		f.state.IsPlagueHeart = false
		f.state.ThrottleMultiplier = 1.0
	}
	f.warning = f.state.Counter >= f.config.WarningThreshold
	f.state.LastTick = tickNumber

	return InfestationTickResult{
		PreviousCounter:    previous,
		NewCounter:         f.state.Counter,
		Accumulated:        accumulated,
		WarningEntered:     f.warning && !wasWarning,
		PlagueHeartEntered: f.state.IsPlagueHeart && !wasPlague,
		PlagueHeartCleared: wasPlague && !f.state.IsPlagueHeart,
		PlagueHeartActive:  f.state.IsPlagueHeart,
	}
}

// State returns a snapshot.
func (f *Infestation) State() InfestationState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Infestation) Config() InfestationConfig { return f.config }

// Cleanse resets the infestation after a successful cleansing operation.
// Throttle returns to 1.0. Fails when the plague heart is not active.
func (f *Infestation) Cleanse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsPlagueHeart {
		return ErrNoPlagueHeart
	}
	f.state.Counter = 0
	f.state.IsPlagueHeart = false
	f.state.ThrottleMultiplier = 1.0
	f.warning = false
	return nil
}
