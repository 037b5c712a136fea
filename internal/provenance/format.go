package provenance

import (
	"fmt"
	"strings"
)

// Format renders chains one per line for a downstream text generator:
//
//	- Root --[TYPE]--> Next --[TYPE]--> Target (Confidence: 0.72)
//
// An empty input renders as "".
func Format(chains []Chain) string {
	if len(chains) == 0 {
		return ""
	}

	var b strings.Builder
	for i, chain := range chains {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		for j, step := range chain.Steps {
			if j == 0 {
				b.WriteString(step.Source.Label)
			}
			fmt.Fprintf(&b, " --[%s]--> %s", step.Edge.Type, step.Target.Label)
		}
		fmt.Fprintf(&b, " (Confidence: %.2f)", chain.Confidence)
	}
	return b.String()
}
