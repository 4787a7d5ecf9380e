package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/scenario"
)

// StudentStrategy produces the student utterance for a turn as a pure
// function of the scenario and the dialogue so far. Turn 0 is always the
// scenario's opening utterance; strategies only differ from turn 1 on.
type StudentStrategy interface {
	NextUtterance(ctx context.Context, sc scenario.Descriptor, priorTurns []model.Turn) (string, error)
}

// fixedProbes are the follow-up utterances ScriptedStudent cycles through
// after the opening turn. They are generic continuations that keep a
// Socratic dialogue moving without depending on the AI's actual reply.
var fixedProbes = []string{
	"I'm not sure. Can you help me think about it differently?",
	"I think I see, but what would happen in the opposite case?",
	"Okay. How would I check whether that's actually true?",
	"That makes sense so far. What should I look at next?",
}

// ScriptedStudent is the default deterministic strategy: the opening
// utterance on turn 0, then a fixed probe rotation keyed by turn index.
type ScriptedStudent struct{}

func (ScriptedStudent) NextUtterance(_ context.Context, sc scenario.Descriptor, priorTurns []model.Turn) (string, error) {
	if len(priorTurns) == 0 {
		return sc.OpeningStudentUtterance, nil
	}
	return fixedProbes[(len(priorTurns)-1)%len(fixedProbes)], nil
}

// ModelStudent generates the student side with a second model behind the
// same Model Invoker capability, for deployments that want an adaptive
// student. It still opens with the scenario's fixed utterance on turn 0.
type ModelStudent struct {
	Invoker invoker.ModelInvoker
	ModelID string
}

func (m ModelStudent) NextUtterance(ctx context.Context, sc scenario.Descriptor, priorTurns []model.Turn) (string, error) {
	if len(priorTurns) == 0 {
		return sc.OpeningStudentUtterance, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are playing a student in a tutoring dialogue. Persona: %s\n", sc.Persona)
	b.WriteString("Reply with the student's next message only.\n\nDialogue so far:\n")
	for _, t := range priorTurns {
		fmt.Fprintf(&b, "Student: %s\nTutor: %s\n", t.StudentText, t.AIText)
	}
	resp, err := m.Invoker.Invoke(ctx, m.ModelID, b.String(), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
