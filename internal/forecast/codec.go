package forecast

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// modelFormat is bumped whenever the persisted layout changes.
const modelFormat = 1

type modelEnvelope struct {
	Format int   `json:"format"`
	Model  *LSTM `json:"model"`
}

// EncodeModel serializes m as zstd-compressed JSON.
func EncodeModel(m *LSTM) ([]byte, error) {
	raw, err := json.Marshal(modelEnvelope{Format: modelFormat, Model: m})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// DecodeModel reverses EncodeModel and validates the result.
func DecodeModel(data []byte) (*LSTM, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress model: %w", err)
	}

	var env modelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if env.Format != modelFormat || env.Model == nil {
		return nil, fmt.Errorf("unsupported model format %d", env.Format)
	}
	if err := env.Model.Validate(); err != nil {
		return nil, err
	}
	return env.Model, nil
}

// EncodeScaler serializes s as JSON.
func EncodeScaler(s *MinMaxScaler) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// DecodeScaler parses a scaler written by EncodeScaler.
func DecodeScaler(data []byte) (*MinMaxScaler, error) {
	var s MinMaxScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scaler: %w", err)
	}
	if !s.Fitted {
		return nil, fmt.Errorf("scaler artifact is not fitted")
	}
	return &s, nil
}
