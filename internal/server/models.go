package server

import (
	"time"

	"github.com/zorxido-ai/zorxido/internal/chat"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// ChatRequest initiates one routed response. An empty scope means all of
// the user's books.
type ChatRequest struct {
	Message string   `json:"message"`
	Scope   []string `json:"scope,omitempty"`
}

// ChatResponse is the non-streaming answer envelope.
type ChatResponse struct {
	Response          string                 `json:"response"`
	Strategy          string                 `json:"strategy"`
	Sources           []string               `json:"sources,omitempty"`
	CitationMap       map[string]string      `json:"citation_map,omitempty"`
	RetrievedPassages []string               `json:"retrieved_passages,omitempty"`
	Artifact          *chat.Artifact         `json:"artifact,omitempty"`
	TokensUsed        int                    `json:"tokens_used,omitempty"`
}

// BookResponse is one accessible book.
type BookResponse struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Author     string     `json:"author,omitempty"`
	HasSummary bool       `json:"has_summary"`
	CreatedAt  time.Time  `json:"created_at"`
	SummaryAt  *time.Time `json:"summary_updated_at,omitempty"`
}

// PassageResponse is one passage with its structural location, served for
// citation previews.
type PassageResponse struct {
	ID           string `json:"id"`
	BookID       string `json:"book_id"`
	CitationID   string `json:"citation_id"`
	Content      string `json:"content"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	Page         *int64 `json:"page,omitempty"`
	Paragraph    *int64 `json:"paragraph,omitempty"`
}

// CorrectionRequest records a user correction to an assistant statement.
type CorrectionRequest struct {
	OriginalText  string `json:"original_text"`
	CorrectedText string `json:"corrected_text"`
}

// CorrectionResponse returns the stored correction with its derived rule.
type CorrectionResponse struct {
	Message      string `json:"message"`
	CorrectionID string `json:"correction_id"`
	Rule         string `json:"rule,omitempty"`
}

// RefineArtifactRequest refines a stored artifact. RefinementType selects
// which field pair applies: "variable" uses VariableKey/VariableValue,
// "step" uses StepID/RefinementInstruction.
type RefineArtifactRequest struct {
	TurnID                string `json:"turn_id"`
	RefinementType        string `json:"refinement_type"`
	VariableKey           string `json:"variable_key,omitempty"`
	VariableValue         string `json:"variable_value,omitempty"`
	StepID                string `json:"step_id,omitempty"`
	RefinementInstruction string `json:"refinement_instruction,omitempty"`
}

// RefineArtifactResponse carries the regenerated artifact.
type RefineArtifactResponse struct {
	Message       string                 `json:"message"`
	Artifact      *chat.Artifact `json:"artifact"`
	RefinedStepID string                 `json:"refined_step_id,omitempty"`
	TokensUsed    int64                  `json:"tokens_used,omitempty"`
}
