package protocol

import (
	"strings"
)

// BroadcastRecipient addresses every subscriber of the shared topic.
const BroadcastRecipient = "0.0.0.0"

// DefaultTopic is the topic every node publishes and subscribes on.
const DefaultTopic = "BitRuisseau"

// Actions
const (
	ActionAskOnline   = "askOnline"
	ActionOnline      = "online"
	ActionAskCatalog  = "askCatalog"
	ActionSendCatalog = "sendCatalog"
	ActionAskMedia    = "askMedia"
	ActionSendMedia   = "sendMedia"
)

// Envelope is one protocol message carried over the bus.
// Everything except Recipient, Sender and Action depends on the action.
type Envelope struct {
	Recipient string           `json:"recipient"`
	Sender    string           `json:"sender"`
	Action    string           `json:"action"`
	StartByte *int64           `json:"startByte,omitempty"`
	EndByte   *int64           `json:"endByte,omitempty"`
	SongList  []SongDescriptor `json:"songList,omitempty"`
	SongData  []byte           `json:"songData,omitempty"` // base64 on the wire
	Hash      string           `json:"hash,omitempty"`
	RequestId string           `json:"requestId,omitempty"`
}

// SongDescriptor describes one media file independently of where it lives.
// Local library entries and remote catalog entries share this type.
type SongDescriptor struct {
	Path      string   `json:"path"`
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Year      int      `json:"year"`
	SizeBytes int64    `json:"sizeBytes"`
	Featuring []string `json:"featuring"`
	Hash      string   `json:"hash"`
	Duration  Duration `json:"duration"`
	Extension string   `json:"extension"`
}

// FeaturingText joins the featured artists for display.
func (s SongDescriptor) FeaturingText() string {
	return strings.Join(s.Featuring, ", ")
}

// IsAddressedTo reports whether the envelope targets self, directly or by broadcast.
func (e *Envelope) IsAddressedTo(self string) bool {
	return strings.EqualFold(e.Recipient, BroadcastRecipient) || strings.EqualFold(e.Recipient, self)
}

// Int64 returns a pointer to v, for the optional byte range fields.
func Int64(v int64) *int64 {
	return &v
}

// NormalizeHash strips separators and whitespace and upper-cases a hex digest
// so digests produced by different tools compare equal.
func NormalizeHash(h string) string {
	var b strings.Builder
	b.Grow(len(h))
	for _, r := range h {
		switch r {
		case '-', ':', ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// SameHash compares two digests after normalization.
func SameHash(a, b string) bool {
	return NormalizeHash(a) == NormalizeHash(b)
}
