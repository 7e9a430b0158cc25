package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Capability is one optional feature a thread type may support.
type Capability uint32

const (
	CapReactions Capability = 1 << iota
	CapForward
	CapTyping
	CapEdit
	CapDeleteForEveryone
	CapPresence
	CapModeration
	CapEmergencyAlerts
	CapMarkRead
	CapUploads
	CapUploadPresign
	CapBatching
	CapOfflineReplay
	CapE2EE
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapReactions, "reactions"},
	{CapForward, "forward"},
	{CapTyping, "typing"},
	{CapEdit, "edit"},
	{CapDeleteForEveryone, "delete-for-everyone"},
	{CapPresence, "presence"},
	{CapModeration, "moderation"},
	{CapEmergencyAlerts, "emergency-alerts"},
	{CapMarkRead, "mark-read"},
	{CapUploads, "uploads"},
	{CapUploadPresign, "upload-presign"},
	{CapBatching, "batching"},
	{CapOfflineReplay, "offline-replay"},
	{CapE2EE, "e2ee"},
}

func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}
	return fmt.Sprintf("capability(%d)", uint32(c))
}

// CapabilitySet is a static set of capabilities.
type CapabilitySet uint32

// NewCapabilitySet builds a set from caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// List returns the capabilities in declaration order.
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			out = append(out, n.cap)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	names := make([]string, 0, len(capabilityNames))
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}

// ErrUnsupported is returned when an operation needs a capability the thread
// type does not declare.
var ErrUnsupported = errors.New("operation not supported for this thread type")

// Require returns an error wrapping ErrUnsupported unless a declares c.
func Require(a Adapter, c Capability) error {
	if a.Capabilities().Has(c) {
		return nil
	}
	return fmt.Errorf("%s: %w", c, ErrUnsupported)
}
