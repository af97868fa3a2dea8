package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned by Decode for payloads that are not envelopes.
var ErrMalformed = errors.New("malformed envelope")

// Encode serializes an envelope to its JSON wire form.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload. Field names match case-insensitively, so
// PascalCase payloads decode as well.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Recipient == "" || env.Action == "" {
		return nil, fmt.Errorf("%w: missing recipient or action", ErrMalformed)
	}
	return &env, nil
}

// UnmarshalJSON accepts the legacy "size" key next to "sizeBytes".
func (s *SongDescriptor) UnmarshalJSON(data []byte) error {
	type plain SongDescriptor
	aux := struct {
		*plain
		Size *int64 `json:"size"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.SizeBytes == 0 && aux.Size != nil {
		s.SizeBytes = *aux.Size
	}
	return nil
}

// Duration is a song length. On the wire it is a TimeSpan-style "hh:mm:ss" string.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	total := d.Duration.Round(time.Second)
	if total < 0 {
		total = 0
	}
	h := int64(total / time.Hour)
	m := int64((total % time.Hour) / time.Minute)
	sec := int64((total % time.Minute) / time.Second)
	return []byte(fmt.Sprintf("%02d:%02d:%02d", h, m, sec)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Accepts "hh:mm:ss", "d.hh:mm:ss.fffffff" and Go duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if !strings.Contains(s, ":") {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}

	var days int64
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return fmt.Errorf("invalid duration %q", s)
	}
	if i := strings.Index(parts[0], "."); i >= 0 {
		v, err := strconv.ParseInt(parts[0][:i], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		days = v
		parts[0] = parts[0][i+1:]
	}
	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	d.Duration = time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return nil
}
