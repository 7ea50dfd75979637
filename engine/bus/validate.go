package bus

// Envelope validation at the bus boundary. Channel payloads are a closed
// tagged-variant set; unknown channels and shape mismatches are rejected with
// invalid-input, routed to the error sink, and never crash the bus.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"epochmesh/engine/models"
)

type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Validate checks that the channel is known and its payload matches the
// channel's declared shape.
func (val *Validator) Validate(channel string, data interface{}) error {
	if _, ok := models.KnownChannels[channel]; !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	if data == nil {
		return errors.New("nil payload")
	}
	switch channel {
	case models.ChannelTelemetry:
		ev, err := coerce[models.TelemetryEvent](data)
		if err != nil {
			return err
		}
		return val.v.Struct(ev)
	case models.ChannelNPCCommands:
		cmd, err := coerce[models.NPCCommand](data)
		if err != nil {
			return err
		}
		return val.v.Struct(cmd)
	case models.ChannelSimulationTicks:
		_, err := coerce[models.TickSnapshot](data)
		return err
	default:
		// Remaining channels carry open objects; require a JSON-encodable
		// payload and nothing more.
		_, err := json.Marshal(data)
		return err
	}
}

// ValidateCommand checks an NPC command against its schema directly.
func (val *Validator) ValidateCommand(cmd models.NPCCommand) error {
	return val.v.Struct(cmd)
}

// coerce accepts either the typed payload or its untyped JSON form.
func coerce[T any](data interface{}) (T, error) {
	if typed, ok := data.(T); ok {
		return typed, nil
	}
	if ptr, ok := data.(*T); ok && ptr != nil {
		return *ptr, nil
	}
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("payload shape mismatch: %w", err)
	}
	return out, nil
}
