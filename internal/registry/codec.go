package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
)

// Spec and state-entry timestamps are stored as JSON text columns so the two
// SQL drivers can share one record shape.

func encodeSpec(spec model.EnvironmentSpec) (string, error) {
	b, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode spec: %w", err)
	}
	return string(b), nil
}

func decodeSpec(s string) (model.EnvironmentSpec, error) {
	var spec model.EnvironmentSpec
	if err := json.Unmarshal([]byte(s), &spec); err != nil {
		return spec, fmt.Errorf("decode spec: %w", err)
	}
	return spec, nil
}

func encodeStateTimes(times map[string]time.Time) (string, error) {
	if times == nil {
		times = map[string]time.Time{}
	}
	b, err := json.Marshal(times)
	if err != nil {
		return "", fmt.Errorf("encode state times: %w", err)
	}
	return string(b), nil
}

func decodeStateTimes(s string) (map[string]time.Time, error) {
	times := map[string]time.Time{}
	if s == "" {
		return times, nil
	}
	if err := json.Unmarshal([]byte(s), &times); err != nil {
		return nil, fmt.Errorf("decode state times: %w", err)
	}
	return times, nil
}
