package timeline

import (
	"sort"
	"strconv"
	"time"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/cespare/xxhash/v2"
)

// ContentHash identifies a message by content when neither id matches. A
// server-provided hash wins over the computed one.
func ContentHash(m types.Message) string {
	if m.Hash != "" {
		return m.Hash
	}
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	write(m.ThreadID)
	write(m.Sender.ID)
	write(m.ClientTempID)
	write(m.Text)
	write(strconv.FormatInt(m.CreatedAt.UnixMilli(), 10))
	for _, a := range m.Attachments {
		write(a.ID)
		write(a.URL)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

type index struct {
	byID   map[string]int
	byTemp map[string]int
	byHash map[string]int
}

func buildIndex(list []types.Message) index {
	idx := index{
		byID:   make(map[string]int, len(list)),
		byTemp: make(map[string]int, len(list)),
		byHash: make(map[string]int, len(list)),
	}
	for i, m := range list {
		idx.add(i, m)
	}
	return idx
}

func (idx index) add(i int, m types.Message) {
	idx.byID[m.ID] = i
	if m.ClientTempID != "" {
		idx.byTemp[m.ClientTempID] = i
	}
	idx.byHash[ContentHash(m)] = i
}

func (idx index) replace(i int, old, next types.Message) {
	if old.ID != next.ID {
		delete(idx.byID, old.ID)
	}
	delete(idx.byHash, ContentHash(old))
	idx.add(i, next)
}

// Reconcile merges incoming messages into prev and returns a new sorted
// slice. prev is not modified.
//
// Matching order: exact id, then a pending local message whose temp id the
// incoming message declares (promotion), then content hash. Unmatched
// messages are inserted.
func Reconcile(prev []types.Message, incoming ...types.Message) []types.Message {
	next := make([]types.Message, len(prev), len(prev)+len(incoming))
	copy(next, prev)
	idx := buildIndex(next)

	for _, in := range incoming {
		if i, ok := idx.byID[in.ID]; ok {
			merged := mergeSame(next[i], in)
			idx.replace(i, next[i], merged)
			next[i] = merged
			continue
		}
		if in.ClientTempID != "" {
			if i, ok := idx.byTemp[in.ClientTempID]; ok {
				if next[i].Pending() {
					promoted := promote(next[i], in)
					idx.replace(i, next[i], promoted)
					next[i] = promoted
				}
				continue
			}
		}
		if _, ok := idx.byHash[ContentHash(in)]; ok {
			continue
		}
		next = append(next, in.Clone())
		idx.add(len(next)-1, in)
	}

	sortMessages(next)
	return next
}

// mergeSame merges two copies of the same message. Fields come from the
// incoming copy; delivery status never moves backwards.
func mergeSame(local, in types.Message) types.Message {
	out := in.Clone()
	out.Status = local.Status.Upgrade(in.Status)
	out.SeenBy = unionSeen(local.SeenBy, in.SeenBy)
	if out.ClientTempID == "" {
		out.ClientTempID = local.ClientTempID
	}
	if out.Hash == "" {
		out.Hash = local.Hash
	}
	out.Queued = out.Pending() && (local.Queued || in.Queued)
	return out
}

// promote replaces a pending local message with its acknowledged copy while
// keeping the local reaction state.
func promote(local, in types.Message) types.Message {
	out := in.Clone()
	out.ClientTempID = local.ClientTempID
	out.Reactions = types.CloneReactions(local.Reactions)
	out.MyReaction = local.MyReaction
	out.Status = local.Status.Upgrade(in.Status)
	if out.Status == types.StatusSending || out.Status == types.StatusFailed {
		out.Status = types.StatusSent
	}
	out.SeenBy = unionSeen(local.SeenBy, in.SeenBy)
	out.Queued = false
	return out
}

func unionSeen(a, b map[string]time.Time) map[string]time.Time {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if prev, ok := out[k]; !ok || v.After(prev) {
			out[k] = v
		}
	}
	return out
}

func sortMessages(list []types.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func find(list []types.Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	for i, m := range list {
		if m.ClientTempID != "" && m.ClientTempID == id {
			return i
		}
	}
	return -1
}

// Patch returns a copy of list with patch applied to id, and whether id was
// found.
func Patch(list []types.Message, id string, patch types.MessagePatch) ([]types.Message, bool) {
	i := find(list, id)
	if i < 0 {
		return list, false
	}
	next := make([]types.Message, len(list))
	copy(next, list)
	next[i] = patch.Apply(list[i])
	return next, true
}

// Remove returns a copy of list without id.
func Remove(list []types.Message, id string) ([]types.Message, bool) {
	i := find(list, id)
	if i < 0 {
		return list, false
	}
	next := make([]types.Message, 0, len(list)-1)
	next = append(next, list[:i]...)
	next = append(next, list[i+1:]...)
	return next, true
}
