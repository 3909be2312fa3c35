// Package diagram transliterates an event storming model into Mermaid
// flowchart text. It is used when the generated diagram is missing.
package diagram

import (
	"fmt"
	"strings"

	"stormline/internal/domain"
)

// Fallback renders es as a left-to-right Mermaid flowchart. Output is a pure
// function of the input. Node ids share one counter across kinds, and flow
// edges whose endpoints are not declared in the model are skipped. A label
// declared more than once resolves to its last node, so an edge to a name
// that is both a command and an event points at the event.
func Fallback(es domain.EventStorming) string {
	var b strings.Builder
	b.WriteString("flowchart LR\n")

	ids := map[string]string{}
	n := 0
	node := func(prefix, label, open, close string) {
		id := fmt.Sprintf("%s%d", prefix, n)
		n++
		ids[label] = id
		fmt.Fprintf(&b, "    %s%s%s%s\n", id, open, quote(label), close)
	}

	for _, a := range es.Actors {
		node("A", a, "((", "))")
	}
	for _, c := range es.Commands {
		node("C", c, "[", "]")
	}
	for _, e := range es.Events {
		node("E", e, "[", "]")
	}
	for _, p := range es.Policies {
		node("P", p, "{", "}")
	}

	if len(es.Flow) > 0 {
		b.WriteString("\n")
		for _, edge := range es.Flow {
			from, okFrom := ids[edge.From]
			to, okTo := ids[edge.To]
			if !okFrom || !okTo {
				continue
			}
			fmt.Fprintf(&b, "    %s --> %s\n", from, to)
		}
	}
	return b.String()
}

// quote wraps a label in double quotes so Mermaid accepts spaces and
// punctuation. Embedded quotes use the #quot; entity.
func quote(label string) string {
	label = strings.ReplaceAll(label, `"`, "#quot;")
	label = strings.ReplaceAll(label, "\n", " ")
	return `"` + label + `"`
}
