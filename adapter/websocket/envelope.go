package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// Envelope is the JSON frame exchanged with the server
type Envelope struct {
	ClientMsgID string              `json:"clientMsgId"`
	PayloadType ctrader.PayloadType `json:"payloadType"`
	Payload     json.RawMessage     `json:"payload"`
}

type outboundEnvelope struct {
	ClientMsgID string              `json:"clientMsgId"`
	PayloadType ctrader.PayloadType `json:"payloadType"`
	Payload     any                 `json:"payload"`
}

// newClientMsgID returns "<payloadType>-<UTC timestamp>". Uniqueness is
// best effort; the id is never used to correlate responses.
func newClientMsgID(payloadType ctrader.PayloadType, now time.Time) string {
	return fmt.Sprintf("%d-%s", int(payloadType), now.UTC().Format(time.RFC3339Nano))
}

func encodeEnvelope(clientMsgID string, payloadType ctrader.PayloadType, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	frame, err := json.Marshal(outboundEnvelope{
		ClientMsgID: clientMsgID,
		PayloadType: payloadType,
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", payloadType, err)
	}
	return frame, nil
}

var errMissingPayloadType = errors.New("missing payloadType")

// decodeEnvelope checks structure only; payload contents are decoded by handlers
func decodeEnvelope(frame []byte) (*Envelope, error) {
	var raw struct {
		ClientMsgID string          `json:"clientMsgId"`
		PayloadType *int            `json:"payloadType"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if raw.PayloadType == nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", errMissingPayloadType)
	}

	return &Envelope{
		ClientMsgID: raw.ClientMsgID,
		PayloadType: ctrader.PayloadType(*raw.PayloadType),
		Payload:     raw.Payload,
	}, nil
}

// decodePayload unmarshals the envelope payload into v; an absent or null payload leaves v untouched
func decodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.PayloadType, err)
	}
	return nil
}
