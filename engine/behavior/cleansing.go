package behavior

import (
	"errors"
	"math/rand"

	"epochmesh/engine/models"
)

// CleansingParticipant is an NPC taking part in a cleansing operation.
type CleansingParticipant struct {
	NPCID      string  `json:"npc_id"`
	Role       string  `json:"role"`
	AvgTrauma  float64 `json:"avg_trauma"`
	Morale     float64 `json:"morale"`
	Confidence float64 `json:"confidence"`
}

// CleansingConfig tunes the success calculation.
type CleansingConfig struct {
	BaseSuccessRate     float64
	MoraleWeight        float64
	TraumaPenaltyWeight float64
	ConfidenceWeight    float64
	MinSuccessRate      float64
	MaxSuccessRate      float64
	MinParticipants     int
	// SurvivorGuiltTrauma is the trauma increment applied to every participant
	// when the operation fails.
	SurvivorGuiltTrauma float64
}

func DefaultCleansingConfig() CleansingConfig {
	return CleansingConfig{
		BaseSuccessRate:     0.50,
		MoraleWeight:        0.25,
		TraumaPenaltyWeight: 0.30,
		ConfidenceWeight:    0.15,
		MinSuccessRate:      0.20,
		MaxSuccessRate:      0.85,
		MinParticipants:     2,
		SurvivorGuiltTrauma: 0.10,
	}
}

// CleansingFactors breaks down the success rate calculation.
type CleansingFactors struct {
	BaseFactor        float64 `json:"base_factor"`
	AvgMorale         float64 `json:"avg_morale"`
	MoraleContrib     float64 `json:"morale_contrib"`
	AvgTrauma         float64 `json:"avg_trauma"`
	TraumaPenalty     float64 `json:"trauma_penalty"`
	AvgConfidence     float64 `json:"avg_confidence"`
	ConfidenceContrib float64 `json:"confidence_contrib"`
}

// CleansingResult captures one operation's outcome.
type CleansingResult struct {
	Success          bool             `json:"success"`
	SuccessRate      float64          `json:"success_rate"`
	Participants     []string         `json:"participants"`
	ParticipantCount int              `json:"participant_count"`
	RolledValue      float64          `json:"rolled_value"`
	Factors          CleansingFactors `json:"factors"`
}

var ErrInsufficientParticipants = errors.New("behavior: insufficient cleansing participants")

// Cleansing executes participant-aggregated cleansing operations. A single
// random roll decides the outcome.
type Cleansing struct {
	config CleansingConfig
	randFn func() float64
}

func NewCleansing(config CleansingConfig) *Cleansing {
	return &Cleansing{config: config, randFn: rand.Float64}
}

// SetRandFn injects a deterministic roll for tests.
func (c *Cleansing) SetRandFn(fn func() float64) { c.randFn = fn }

func (c *Cleansing) Config() CleansingConfig { return c.config }

// SuccessRate computes
//
//	clamp(base + avgMorale*wMorale - avgTrauma*wTraumaPenalty + avgConfidence*wConfidence, min, max)
func (c *Cleansing) SuccessRate(participants []CleansingParticipant) (float64, CleansingFactors) {
	if len(participants) == 0 {
		return c.config.MinSuccessRate, CleansingFactors{BaseFactor: c.config.BaseSuccessRate}
	}
	var totalMorale, totalTrauma, totalConfidence float64
	for _, p := range participants {
		totalMorale += p.Morale
		totalTrauma += p.AvgTrauma
		totalConfidence += p.Confidence
	}
	n := float64(len(participants))
	factors := CleansingFactors{
		BaseFactor:    c.config.BaseSuccessRate,
		AvgMorale:     totalMorale / n,
		AvgTrauma:     totalTrauma / n,
		AvgConfidence: totalConfidence / n,
	}
	factors.MoraleContrib = factors.AvgMorale * c.config.MoraleWeight
	factors.TraumaPenalty = factors.AvgTrauma * c.config.TraumaPenaltyWeight
	factors.ConfidenceContrib = factors.AvgConfidence * c.config.ConfidenceWeight

	raw := factors.BaseFactor + factors.MoraleContrib - factors.TraumaPenalty + factors.ConfidenceContrib
	return models.Clamp(raw, c.config.MinSuccessRate, c.config.MaxSuccessRate), factors
}

// Execute runs a full operation. Fails when the plague heart is not active or
// participants are below the minimum. The caller applies side effects: on
// success invoke the infestation cleanse, on failure apply survivor's-guilt
// trauma to the participants.
func (c *Cleansing) Execute(participants []CleansingParticipant, isPlagueHeart bool) (CleansingResult, error) {
	if !isPlagueHeart {
		return CleansingResult{}, ErrNoPlagueHeart
	}
	if len(participants) < c.config.MinParticipants {
		return CleansingResult{}, ErrInsufficientParticipants
	}
	rate, factors := c.SuccessRate(participants)
	rolled := c.randFn()
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.NPCID
	}
	return CleansingResult{
		Success:          rolled <= rate,
		SuccessRate:      rate,
		Participants:     ids,
		ParticipantCount: len(participants),
		RolledValue:      rolled,
		Factors:          factors,
	}, nil
}
