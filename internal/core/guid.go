package core

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// TempIDPrefix marks ids generated locally for optimistic messages.
	TempIDPrefix = "tmp-"
	// VoiceTempIDPrefix marks temp ids of voice notes.
	VoiceTempIDPrefix = "tmp-voice-"
)

// NewTempID returns a client-temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// NewVoiceTempID returns a client-temporary id for a voice note.
func NewVoiceTempID() string {
	return VoiceTempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewID returns a random identifier for records missing one.
func NewID() string {
	return uuid.NewString()
}
