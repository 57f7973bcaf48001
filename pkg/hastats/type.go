package hastats

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config locates the Home Assistant instance and its auth token.
type Config struct {
	Host        string `toml:"host"`
	AccessToken string `toml:"access_token"`
	Secure      bool   `toml:"secure"`
}

// TimeoutError is returned when a websocket call receives no response
// within the call timeout. Callers treat it as transient.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// apiError is the error payload of a failed result message.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// serverMessage is the envelope of every message Home Assistant sends.
type serverMessage struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Event   json.RawMessage `json:"event"`
	Error   *apiError       `json:"error"`

	// auth phase only
	HAVersion string `json:"ha_version,omitempty"`
	Message   string `json:"message,omitempty"`
}

// historyStreamEvent is the payload of one history/stream event.
type historyStreamEvent struct {
	States map[string]json.RawMessage `json:"states"`
}
