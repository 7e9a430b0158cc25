package types

// Reaction is one emoji and the ordered set of users who reacted with it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Count returns the number of reacting users.
func (r Reaction) Count() int {
	return len(r.Users)
}

// Has reports whether userID reacted with this emoji.
func (r Reaction) Has(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// CloneReactions deep-copies a reaction list.
func CloneReactions(list []Reaction) []Reaction {
	if list == nil {
		return nil
	}
	out := make([]Reaction, len(list))
	for i, r := range list {
		out[i] = Reaction{Emoji: r.Emoji, Users: append([]string(nil), r.Users...)}
	}
	return out
}

// WithoutUser removes userID from every reactor set and drops emptied entries.
func WithoutUser(list []Reaction, userID string) []Reaction {
	out := make([]Reaction, 0, len(list))
	for _, r := range list {
		users := make([]string, 0, len(r.Users))
		for _, u := range r.Users {
			if u != userID {
				users = append(users, u)
			}
		}
		if len(users) == 0 {
			continue
		}
		out = append(out, Reaction{Emoji: r.Emoji, Users: users})
	}
	return out
}

// WithUser adds userID to the emoji's reactor set, creating the entry when
// absent. The user is first removed from every other emoji.
func WithUser(list []Reaction, userID, emoji string) []Reaction {
	out := WithoutUser(list, userID)
	for i := range out {
		if out[i].Emoji == emoji {
			out[i].Users = append(out[i].Users, userID)
			return out
		}
	}
	return append(out, Reaction{Emoji: emoji, Users: []string{userID}})
}

// ReactionOf returns the emoji userID currently reacts with, if any.
func ReactionOf(list []Reaction, userID string) string {
	for _, r := range list {
		if r.Has(userID) {
			return r.Emoji
		}
	}
	return ""
}

// NormalizeReactions merges duplicate emoji entries, keeps each user in the
// first emoji they appear under, and drops empty entries.
func NormalizeReactions(list []Reaction) []Reaction {
	out := make([]Reaction, 0, len(list))
	index := make(map[string]int, len(list))
	claimed := make(map[string]struct{})
	for _, r := range list {
		if r.Emoji == "" {
			continue
		}
		pos, ok := index[r.Emoji]
		if !ok {
			pos = len(out)
			index[r.Emoji] = pos
			out = append(out, Reaction{Emoji: r.Emoji, Users: []string{}})
		}
		for _, u := range r.Users {
			if u == "" {
				continue
			}
			if _, taken := claimed[u]; taken {
				continue
			}
			claimed[u] = struct{}{}
			out[pos].Users = append(out[pos].Users, u)
		}
	}
	kept := out[:0]
	for _, r := range out {
		if len(r.Users) > 0 {
			kept = append(kept, r)
		}
	}
	return kept
}
