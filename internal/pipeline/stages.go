package pipeline

import (
	"fmt"
	"strings"

	"case-pipeline/internal/models"
)

// Sub-step kinds. Extract steps read attachments through the OCR reader;
// model steps call the generation collaborator.
const (
	StepKindModel   = "model"
	StepKindExtract = "extract"
)

// SubStepDef declares one named step of a stage. Percentage is an estimate
// surfaced to users, nothing measures it.
type SubStepDef struct {
	ID         string
	Name       string
	Kind       string
	Percentage int
	PromptTmpl string
}

// StageDef declares one pipeline stage: its prerequisite and the ordered
// sub-steps executed for it.
type StageDef struct {
	ID       string
	Name     string
	Requires string
	SubSteps []SubStepDef
}

// StageSet is the declared document pipeline, in execution order.
type StageSet struct {
	ordered []StageDef
	byID    map[string]StageDef
}

func NewStageSet(stages []StageDef) *StageSet {
	s := &StageSet{
		ordered: stages,
		byID:    make(map[string]StageDef, len(stages)),
	}
	for _, st := range stages {
		s.byID[st.ID] = st
	}
	return s
}

func (s *StageSet) Get(id string) (StageDef, bool) {
	st, ok := s.byID[id]
	return st, ok
}

func (s *StageSet) Ordered() []StageDef {
	return s.ordered
}

// DefaultStages is the document-generation chain: extract attachment text,
// analyze it, draft the document, then finalize.
func DefaultStages() *StageSet {
	return NewStageSet([]StageDef{
		{
			ID:   "extract",
			Name: "Source extraction",
			SubSteps: []SubStepDef{
				{ID: "read_attachments", Name: "Read attachments", Kind: StepKindExtract, Percentage: 70},
				{ID: "summarize_sources", Name: "Summarize sources", Kind: StepKindModel, Percentage: 30,
					PromptTmpl: "Summarize the key facts from the extracted case sources."},
			},
		},
		{
			ID:       "analyze",
			Name:     "Case analysis",
			Requires: "extract",
			SubSteps: []SubStepDef{
				{ID: "assess_facts", Name: "Assess facts", Kind: StepKindModel, Percentage: 50,
					PromptTmpl: "Assess the facts of the case and identify open issues."},
				{ID: "outline_argument", Name: "Outline argument", Kind: StepKindModel, Percentage: 50,
					PromptTmpl: "Outline the argument structure for the case document."},
			},
		},
		{
			ID:       "draft",
			Name:     "Document draft",
			Requires: "analyze",
			SubSteps: []SubStepDef{
				{ID: "compose_sections", Name: "Compose sections", Kind: StepKindModel, Percentage: 80,
					PromptTmpl: "Compose the full draft of the case document, section by section."},
				{ID: "citations", Name: "Insert citations", Kind: StepKindModel, Percentage: 20,
					PromptTmpl: "Insert citations and references into the draft."},
			},
		},
		{
			ID:       "finalize",
			Name:     "Final review",
			Requires: "draft",
			SubSteps: []SubStepDef{
				{ID: "polish", Name: "Polish language", Kind: StepKindModel, Percentage: 100,
					PromptTmpl: "Polish the language of the final document and fix inconsistencies."},
			},
		},
	})
}

// Input carries caller-supplied instructions for a stage run.
type Input struct {
	Instructions string `json:"instructions"`
}

func sessionSteps(stage StageDef) []models.SubStep {
	steps := make([]models.SubStep, len(stage.SubSteps))
	for i, def := range stage.SubSteps {
		steps[i] = models.SubStep{
			ID:         def.ID,
			Name:       def.Name,
			Status:     models.StepPending,
			Percentage: def.Percentage,
		}
	}
	return steps
}

// expressSteps presents the whole chain as the sub-steps of an express run.
func expressSteps(stages []StageDef) []models.SubStep {
	steps := make([]models.SubStep, len(stages))
	share := 100 / max(len(stages), 1)
	for i, st := range stages {
		steps[i] = models.SubStep{
			ID:         st.ID,
			Name:       st.Name,
			Status:     models.StepPending,
			Percentage: share,
		}
	}
	return steps
}

func buildPrompt(stage StageDef, def SubStepDef, input Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", stage.Name)
	b.WriteString(def.PromptTmpl)
	if input.Instructions != "" {
		fmt.Fprintf(&b, "\n\nAdditional instructions: %s", input.Instructions)
	}
	return b.String()
}
