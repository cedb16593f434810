package promptworkspace

import (
	"fmt"
	"strings"

	"github.com/logabell/conversator/internal/domain"
)

// RenderHandoffMarkdown produces the human-readable counterpart to
// handoff.json. It is a pure function of the spec so handoff.md and
// handoff.json never disagree.
func RenderHandoffMarkdown(spec domain.HandoffSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", spec.Goal)

	if len(spec.DefinitionOfDone) > 0 {
		b.WriteString("## Definition of done\n\n")
		for _, d := range spec.DefinitionOfDone {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	if len(spec.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		for _, c := range spec.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(spec.RepoTargets) > 0 {
		b.WriteString("## Repo targets\n\n")
		for _, t := range spec.RepoTargets {
			fmt.Fprintf(&b, "- `%s` — %s\n", t.Path, t.Intent)
		}
		b.WriteString("\n")
	}

	if len(spec.ExpectedArtifacts) > 0 {
		b.WriteString("## Expected artifacts\n\n")
		for _, a := range spec.ExpectedArtifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Gates\n\n")
	fmt.Fprintf(&b, "- write: %v\n- run: %v\n- destructive: %v\n\n", spec.Gates.Write, spec.Gates.Run, spec.Gates.Destructive)

	if len(spec.ContextPointers.ArtifactPaths) > 0 || spec.ContextPointers.ExternalTaskID != "" {
		b.WriteString("## Context pointers\n\n")
		if spec.ContextPointers.ExternalTaskID != "" {
			fmt.Fprintf(&b, "- external task: %s\n", spec.ContextPointers.ExternalTaskID)
		}
		for _, p := range spec.ContextPointers.ArtifactPaths {
			fmt.Fprintf(&b, "- artifact: %s\n", p)
		}
	}

	return b.String()
}
