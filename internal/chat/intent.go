package chat

import "strings"

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentIdentity      Intent = "identity"
	IntentGlobalSummary Intent = "global_summary"
	IntentReasoning     Intent = "reasoning"
	IntentAction        Intent = "action"
	IntentSpecific      Intent = "specific"
)

var identityPhrases = []string{
	"what is your name",
	"who are you",
	"what's your name",
	"what are you called",
	"tell me your name",
}

var globalKeywords = []string{
	"summarize", "summarise", "summary", "overview",
	"what is this book about", "what is the book about",
	"tell me about this book", "describe this book",
	"what does this book cover", "book summary",
}

var actionKeywords = []string{
	"plan", "schedule", "how to", "how do", "solve", "simulate", "simulation",
	"script", "routine", "checklist", "steps", "step-by-step", "guide me",
	"create a", "make a", "build a", "design a", "implement", "methodology",
	"framework", "process", "procedure", "workflow",
}

var reasoningKeywords = []string{
	"analyze", "analyse", "analysis", "compare", "comparison", "contrast",
	"why", "how does", "how is", "how are", "what causes", "what leads to",
	"connect", "connection", "relationship", "relate", "correlate",
	"explain why", "what is the relationship", "what is the connection",
	"difference between", "similarities between", "distinguish",
}

// followUpKeywords mark questions about an existing artifact rather than
// requests for a new one.
var followUpKeywords = []string{
	"help with", "how do i", "what about", "what is", "explain", "tell me about",
	"day", "step", "percentage", "determine", "calculate", "figure out",
	"i need help", "i don't understand", "can you explain", "what does",
	"how does", "how is", "how are", "when should", "where do",
}

var compareKeywords = []string{
	"compare", "comparison", "contrast", "difference between", "similarities between",
}

// Classify labels a query with one of the five intents. Rules are evaluated
// in order and the first match wins: identity, then global summary, then
// action, then reasoning, then specific. hasArtifact suppresses the action
// intent for follow-up questions about an artifact already in the
// conversation. Pure function, no side effects.
func Classify(query string, hasArtifact bool) Intent {
	q := strings.ToLower(strings.TrimSpace(query))

	for _, phrase := range identityPhrases {
		if strings.Contains(q, phrase) {
			return IntentIdentity
		}
	}
	if containsAny(q, globalKeywords) {
		return IntentGlobalSummary
	}
	if containsAny(q, actionKeywords) {
		if hasArtifact && containsAny(q, followUpKeywords) {
			// A question about the existing artifact, not a new request.
			if containsAny(q, reasoningKeywords) {
				return IntentReasoning
			}
			return IntentSpecific
		}
		return IntentAction
	}
	if containsAny(q, reasoningKeywords) {
		return IntentReasoning
	}
	return IntentSpecific
}

// IsComparison reports whether the query asks for a cross-source comparison,
// which enables map-reduce synthesis on multi-book scopes.
func IsComparison(query string) bool {
	return containsAny(strings.ToLower(query), compareKeywords)
}

func containsAny(q string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}
