package chat

// RouteInput is everything path selection depends on. Intent comes from
// Classify; the scope facts come from the resolved book list.
type RouteInput struct {
	Intent Intent
	// BookCount is the cardinality of the resolved scope.
	BookCount int
	// SummaryUsable reports that the single in-scope book has a precomputed
	// summary or, failing that, enough structure for a table-of-contents
	// answer. Meaningless unless BookCount is 1.
	SummaryUsable bool
	// Comparison reports that the query matches comparison phrasing.
	Comparison bool
}

// Decision is the committed strategy for one response. A response never
// re-routes mid-flight.
type Decision struct {
	Path Path
	// MapReduce selects per-book fan-out retrieval with contrastive
	// synthesis instead of a single merged retrieval.
	MapReduce bool
}

// Route maps a classified intent onto a response path. The summary path is
// only taken for a single book whose summary is usable; a summary-style
// query over several books, or over a book with nothing precomputed,
// degrades to retrieval instead of failing.
func Route(in RouteInput) Decision {
	switch in.Intent {
	case IntentIdentity:
		return Decision{Path: PathIdentity}
	case IntentGlobalSummary:
		if in.BookCount == 1 && in.SummaryUsable {
			return Decision{Path: PathGlobalSummary}
		}
		if in.Comparison {
			return reasoningDecision(in)
		}
		return Decision{Path: PathSpecific}
	case IntentAction:
		return Decision{Path: PathAction}
	case IntentReasoning:
		return reasoningDecision(in)
	default:
		return Decision{Path: PathSpecific}
	}
}

func reasoningDecision(in RouteInput) Decision {
	return Decision{
		Path:      PathReasoning,
		MapReduce: in.BookCount > 1 && in.Comparison,
	}
}
