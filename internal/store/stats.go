package store

import (
	"github.com/contextlens/contextlens/internal/analyze"
)

// Stats builds the per-conversation stats view: the latest entry's
// composition snapshot, entry counts, and summed cost, most recently
// active conversation first.
func (s *Store) Stats() []analyze.SessionStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	var order []string
	byConv := map[string]*analyze.SessionStat{}

	for _, e := range s.entries {
		if e.ConversationID == "" {
			continue
		}
		st, ok := byConv[e.ConversationID]
		if !ok {
			st = &analyze.SessionStat{ConversationID: e.ConversationID}
			if conv := s.conversations[e.ConversationID]; conv != nil {
				st.Label = conv.Label
				st.Source = conv.Source
			}
			// entries are newest-first, so the first one seen is the
			// conversation's latest snapshot
			st.Model = e.Model
			st.TotalTokens = e.ContextInfo.TotalTokens
			st.Composition = e.Composition
			byConv[e.ConversationID] = st
			order = append(order, e.ConversationID)
		}
		st.Entries++
		st.CostUSD += e.CostUSD
	}

	out := make([]analyze.SessionStat, 0, len(order))
	for _, id := range order {
		out = append(out, *byConv[id])
	}
	return out
}
