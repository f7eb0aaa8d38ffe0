package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// Refinement failure modes the server maps to client errors.
var (
	ErrNoArtifact   = errors.New("turn does not contain an artifact")
	ErrStepNotFound = errors.New("step not found in artifact")
)

// ParseArtifact decodes model output into an Artifact. Models occasionally
// wrap JSON-mode output in markdown fences despite instructions, so fences
// are stripped before decoding. A payload without artifact_type or content
// is rejected rather than persisted half-formed.
func ParseArtifact(raw string) (*Artifact, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	var a Artifact
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrArtifactGeneration, err)
	}
	if a.Type == "" {
		return nil, fmt.Errorf("%w: missing artifact_type", ErrArtifactGeneration)
	}
	if len(a.Content) == 0 {
		return nil, fmt.Errorf("%w: missing content", ErrArtifactGeneration)
	}
	return &a, nil
}

// RefineRequest describes one artifact refinement. Exactly one of the
// variable or step field pairs is set, selected by Type.
type RefineRequest struct {
	UserID string
	TurnID string
	// Type is "variable" or "step".
	Type string
	// Variable refinement: re-key one variable and regenerate the artifact.
	VariableKey   string
	VariableValue string
	// Step refinement: rewrite one checklist step in place.
	StepID      string
	Instruction string
	// History is the formatted recent-conversation block, may be empty.
	History string
}

// RefineResult carries the updated artifact plus token accounting.
type RefineResult struct {
	Artifact      *Artifact
	RefinedStepID string
	TokensUsed    int64
}

// RefinerStore is the persistence surface refinement needs.
type RefinerStore interface {
	GetTurn(ctx context.Context, userID, id string) (store.Turn, error)
	SetTurnArtifact(ctx context.Context, userID, id string, artifact []byte) error
	ListRecentTurns(ctx context.Context, userID string, scope []string, limit int) ([]store.Turn, error)
	GetPassage(ctx context.Context, id string) (store.Passage, error)
	GetParentContexts(ctx context.Context, ids []string) ([]store.ParentContext, error)
}

// Refiner regenerates stored artifacts after a variable change or a targeted
// step edit. The passages backing the original citations are re-fetched so
// the regeneration is grounded in the same book content as the original.
type Refiner struct {
	turns       RefinerStore
	gen         Generator
	corrections *Injector
	model       string
	logger      *log.Logger
}

func NewRefiner(turns RefinerStore, gen Generator, corrections *Injector, model string, logger *log.Logger) *Refiner {
	if logger == nil {
		logger = log.Default()
	}
	return &Refiner{turns: turns, gen: gen, corrections: corrections, model: model, logger: logger}
}

// Refine dispatches on the refinement type.
func (r *Refiner) Refine(ctx context.Context, req RefineRequest) (RefineResult, error) {
	turn, err := r.turns.GetTurn(ctx, req.UserID, req.TurnID)
	if err != nil {
		return RefineResult{}, fmt.Errorf("load turn: %w", err)
	}
	if len(turn.Artifact) == 0 {
		return RefineResult{}, ErrNoArtifact
	}
	var artifact Artifact
	if err := json.Unmarshal(turn.Artifact, &artifact); err != nil {
		return RefineResult{}, fmt.Errorf("decode stored artifact: %w", err)
	}

	switch req.Type {
	case "variable":
		if req.VariableKey == "" || req.VariableValue == "" {
			return RefineResult{}, fmt.Errorf("variable refinement requires key and value")
		}
		return r.refineVariable(ctx, req, turn, artifact)
	case "step":
		if req.StepID == "" || req.Instruction == "" {
			return RefineResult{}, fmt.Errorf("step refinement requires step id and instruction")
		}
		return r.refineStep(ctx, req, turn, artifact)
	default:
		return RefineResult{}, fmt.Errorf("unknown refinement type %q", req.Type)
	}
}

func (r *Refiner) refineVariable(ctx context.Context, req RefineRequest, turn store.Turn, artifact Artifact) (RefineResult, error) {
	updated := make(map[string]string, len(artifact.Variables)+1)
	for k, v := range artifact.Variables {
		updated[k] = v
	}
	updated[req.VariableKey] = req.VariableValue

	contextText, err := r.citedContext(ctx, turn, artifact)
	if err != nil {
		return RefineResult{}, err
	}

	originalRequest := r.originalRequest(ctx, req.UserID, turn)
	correctionsBlock := r.correctionsBlock(ctx, req.UserID, originalRequest)

	keys := make([]string, 0, len(updated))
	for k := range updated {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+": "+updated[k])
	}

	citationsJSON, _ := json.Marshal(emptyIfNilStrings(artifact.Citations))
	variablesJSON, _ := json.Marshal(updated)

	prompt := fmt.Sprintf(`You are an Implementation Architect. Regenerate the artifact with updated variables.

%sOriginal Request: %s

Updated Variables: %s

Relevant Content from Book:
%s

%s

Regenerate the JSON artifact with the updated variables. Keep the same artifact_type and structure, but update the content based on the new variable values.

Return ONLY valid JSON with this structure:
{
  "artifact_type": "%s",
  "title": "...",
  "content": {...},
  "citations": %s,
  "variables": %s
}`, historyPrefix(req.History), originalRequest, strings.Join(pairs, ", "), contextText, correctionsBlock, artifact.Type, citationsJSON, variablesJSON)

	res, err := r.gen.Generate(ctx, llm.GenerateRequest{
		Model:       r.model,
		System:      "You are an Implementation Architect. Regenerate structured JSON artifacts with updated variables.",
		Prompt:      prompt,
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil {
		return RefineResult{}, fmt.Errorf("%w: %v", ErrArtifactGeneration, err)
	}
	regenerated, err := ParseArtifact(res.Text)
	if err != nil {
		return RefineResult{}, err
	}
	// The citations and variables are inputs to the regeneration, not model
	// decisions. Pin them so a sloppy completion cannot drop them.
	regenerated.Citations = artifact.Citations
	regenerated.Variables = updated

	if err := r.persist(ctx, req, regenerated); err != nil {
		return RefineResult{}, err
	}
	return RefineResult{Artifact: regenerated, TokensUsed: res.TotalTokens()}, nil
}

func (r *Refiner) refineStep(ctx context.Context, req RefineRequest, turn store.Turn, artifact Artifact) (RefineResult, error) {
	if artifact.Type != "checklist" {
		return RefineResult{}, fmt.Errorf("step refinement not supported for artifact type %q", artifact.Type)
	}
	steps, ok := artifact.Content["steps"].([]interface{})
	if !ok {
		return RefineResult{}, ErrStepNotFound
	}
	stepIndex := -1
	var step map[string]interface{}
	for i, s := range steps {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id == req.StepID {
			stepIndex, step = i, m
			break
		}
	}
	if stepIndex < 0 {
		return RefineResult{}, ErrStepNotFound
	}

	contextText, err := r.citedContext(ctx, turn, artifact)
	if err != nil {
		return RefineResult{}, err
	}

	originalRequest := r.originalRequest(ctx, req.UserID, turn)
	correctionsBlock := r.correctionsBlock(ctx, req.UserID, originalRequest)
	stepJSON, _ := json.MarshalIndent(step, "", "  ")

	prompt := fmt.Sprintf(`You are an Implementation Architect. Refine a specific step in an existing artifact.

%sOriginal Request: %s

Current Step to Refine:
%s

Refinement Instruction: %s

Relevant Content from Book:
%s

%s

Refine ONLY the specified step based on the instruction. Keep all other steps unchanged.

Return ONLY valid JSON with the refined step:
{
  "id": "%s",
  "time": "...",
  "action": "...",
  "description": "...",
  "checked": false
}`, historyPrefix(req.History), originalRequest, stepJSON, req.Instruction, contextText, correctionsBlock, req.StepID)

	res, err := r.gen.Generate(ctx, llm.GenerateRequest{
		Model:       r.model,
		System:      "You are an Implementation Architect. Refine specific steps in artifacts based on user instructions.",
		Prompt:      prompt,
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil {
		return RefineResult{}, fmt.Errorf("%w: %v", ErrArtifactGeneration, err)
	}
	var refined map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), &refined); err != nil {
		return RefineResult{}, fmt.Errorf("%w: decode refined step: %v", ErrArtifactGeneration, err)
	}

	merged := make(map[string]interface{}, len(step)+len(refined))
	for k, v := range step {
		merged[k] = v
	}
	for k, v := range refined {
		merged[k] = v
	}
	merged["id"] = req.StepID

	updatedSteps := make([]interface{}, len(steps))
	copy(updatedSteps, steps)
	updatedSteps[stepIndex] = merged
	artifact.Content["steps"] = updatedSteps

	if err := r.persist(ctx, req, &artifact); err != nil {
		return RefineResult{}, err
	}
	return RefineResult{Artifact: &artifact, RefinedStepID: req.StepID, TokensUsed: res.TotalTokens()}, nil
}

// citedContext rebuilds the prompt context from the passages behind the
// artifact's citations, resolved through the turn's stored citation map.
func (r *Refiner) citedContext(ctx context.Context, turn store.Turn, artifact Artifact) (string, error) {
	var citationMap map[string]string
	if len(turn.CitationMap) > 0 {
		if err := json.Unmarshal(turn.CitationMap, &citationMap); err != nil {
			return "", fmt.Errorf("decode citation map: %w", err)
		}
	}
	var passageIDs []string
	for _, citation := range artifact.Citations {
		if id, ok := citationMap[citation]; ok && id != "" {
			passageIDs = append(passageIDs, id)
		}
	}
	if len(passageIDs) == 0 {
		return "", fmt.Errorf("%w: no passages resolvable from citations", ErrArtifactGeneration)
	}

	passages := make([]store.Passage, 0, len(passageIDs))
	parentIDs := make([]string, 0, len(passageIDs))
	seenParent := make(map[string]bool)
	for _, id := range passageIDs {
		p, err := r.turns.GetPassage(ctx, id)
		if err != nil {
			r.logger.Printf("[CHAT] refine: passage %s unavailable: %v", id, err)
			continue
		}
		passages = append(passages, p)
		if p.ParentID.Valid && !seenParent[p.ParentID.String] {
			seenParent[p.ParentID.String] = true
			parentIDs = append(parentIDs, p.ParentID.String)
		}
	}
	if len(passages) == 0 {
		return "", fmt.Errorf("%w: original passages no longer available", ErrArtifactGeneration)
	}

	parentByID := make(map[string]store.ParentContext)
	if len(parentIDs) > 0 {
		parents, err := r.turns.GetParentContexts(ctx, parentIDs)
		if err != nil {
			return "", fmt.Errorf("resolve parent contexts: %w", err)
		}
		for _, p := range parents {
			parentByID[p.ID] = p
		}
	}

	var parts []string
	for _, p := range passages {
		heading := "Unknown Chapter"
		text := p.Content
		if p.ParentID.Valid {
			if parent, ok := parentByID[p.ParentID.String]; ok {
				if parent.ChapterTitle != "" {
					heading = parent.ChapterTitle
				}
				if parent.SectionTitle != "" {
					heading += " / " + parent.SectionTitle
				}
				if parent.FullText != "" {
					text = parent.FullText
				}
			}
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", CitationID(p.ID), heading), text)
	}
	return strings.Join(parts, "\n\n"), nil
}

// originalRequest finds the user message that triggered the artifact: the
// newest user turn created before the artifact turn. Empty when history is
// gone.
func (r *Refiner) originalRequest(ctx context.Context, userID string, artifactTurn store.Turn) string {
	turns, err := r.turns.ListRecentTurns(ctx, userID, nil, 20)
	if err != nil {
		r.logger.Printf("[CHAT] refine: history lookup failed: %v", err)
		return ""
	}
	for _, t := range turns {
		if t.Role == "user" && t.CreatedAt.Before(artifactTurn.CreatedAt) {
			return t.Content
		}
	}
	return ""
}

func (r *Refiner) correctionsBlock(ctx context.Context, userID, query string) string {
	if r.corrections == nil || query == "" {
		return ""
	}
	relevant := r.corrections.Relevant(ctx, userID, query)
	if len(relevant) > 3 {
		relevant = relevant[:3]
	}
	return ContextBlock(relevant)
}

func (r *Refiner) persist(ctx context.Context, req RefineRequest, artifact *Artifact) error {
	payload, err := MarshalArtifact(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := r.turns.SetTurnArtifact(ctx, req.UserID, req.TurnID, payload); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	return nil
}

func emptyIfNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
