package session

import "strings"

// trimWindow selects the turns that fit tokenBudget, newest first. It walks
// backwards from the most recent turn and stops at the first one that does
// not fit, so the window is always a contiguous tail of the history. If a
// summary turn heads the history it is re-attached afterwards when room
// remains, truncated to the leftover budget if it must be.
func trimWindow(turns []Turn, tokenBudget int, tok Tokenizer) []Turn {
	if tokenBudget <= 0 || len(turns) == 0 {
		return nil
	}

	var summary *Turn
	rest := turns
	if turns[0].Role == RoleSummary {
		summary = &turns[0]
		rest = turns[1:]
	}

	used := 0
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		if used+rest[i].TokenCount > tokenBudget {
			break
		}
		used += rest[i].TokenCount
		start = i
	}

	window := make([]Turn, 0, len(rest)-start+1)
	if summary != nil {
		if room := tokenBudget - used; room > 0 {
			st := *summary
			if st.TokenCount > room {
				st.Text = truncateTokens(st.Text, room, tok)
				st.TokenCount = tok.Count(st.Text)
			}
			window = append(window, st)
		}
	}
	return append(window, rest[start:]...)
}

// planEviction reports whether history exceeds capTokens and, if so, which
// oldest turns to fold away. It keeps the newest turns whose total stays
// within capTokens minus the summary reservation; everything older,
// including a previous summary, is evicted. The newest turn is never
// evicted even when it alone blows the target.
func planEviction(turns []Turn, capTokens, summaryTokens int) (evict []Turn, throughSeq int, ok bool) {
	total := 0
	for _, t := range turns {
		total += t.TokenCount
	}
	if total <= capTokens {
		return nil, 0, false
	}

	target := capTokens - summaryTokens
	if target < 0 {
		target = 0
	}

	kept := 0
	cut := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if kept+turns[i].TokenCount > target {
			break
		}
		kept += turns[i].TokenCount
		cut = i
	}
	if cut == len(turns) {
		cut = len(turns) - 1
	}
	if cut <= 0 {
		return nil, 0, false
	}
	return turns[:cut], turns[cut-1].Seq, true
}

// truncateTokens cuts text to its first n tokens. Tiles concatenate back to
// the original, so the cut lands exactly on a token boundary.
func truncateTokens(text string, n int, tok Tokenizer) string {
	tiles := tok.Split(text)
	if len(tiles) <= n {
		return text
	}
	var b strings.Builder
	for _, tile := range tiles[:n] {
		b.WriteString(tile)
	}
	return b.String()
}
