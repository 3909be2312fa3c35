package domain

// Normalized returns a deep copy of the result where every absent collection
// is an empty one, so callers never have to tell nil from missing.
func (r AnalysisResult) Normalized() AnalysisResult {
	out := AnalysisResult{
		EventStorming:  r.EventStorming.Normalized(),
		Discussion:     append([]DiscussionEntry{}, r.Discussion...),
		ExampleMapping: r.ExampleMapping.Normalized(),
	}
	out.UbiquitousLanguage = append([]GlossaryEntry{}, r.UbiquitousLanguage...)
	out.WorkTickets = make([]WorkTicket, 0, len(r.WorkTickets))
	for _, t := range r.WorkTickets {
		out.WorkTickets = append(out.WorkTickets, t.Normalized())
	}
	out.Milestones = append([]Milestone{}, r.Milestones...)
	tl := Timeline{Sprints: []Sprint{}}
	if r.Timeline != nil {
		tl.TotalDays = r.Timeline.TotalDays
		tl.Sprints = append(tl.Sprints, r.Timeline.Sprints...)
	}
	out.Timeline = &tl
	return out
}

func (e EventStorming) Normalized() EventStorming {
	return EventStorming{
		Events:     cloneStrings(e.Events),
		Commands:   cloneStrings(e.Commands),
		Actors:     cloneStrings(e.Actors),
		Policies:   cloneStrings(e.Policies),
		Aggregates: cloneStrings(e.Aggregates),
		Flow:       append([]FlowEdge{}, e.Flow...),
		Diagram:    e.Diagram,
	}
}

func (m ExampleMapping) Normalized() ExampleMapping {
	return ExampleMapping{
		Stories:   cloneStrings(m.Stories),
		Rules:     cloneStrings(m.Rules),
		Examples:  cloneStrings(m.Examples),
		Questions: cloneStrings(m.Questions),
	}
}

func (t WorkTicket) Normalized() WorkTicket {
	t.Dependencies = cloneStrings(t.Dependencies)
	t.Tags = cloneStrings(t.Tags)
	t.AcceptanceCriteria = cloneStrings(t.AcceptanceCriteria)
	return t
}

// Normalized fills the plan's collections and each ticket's lists.
func (p WorkPlan) Normalized() WorkPlan {
	out := WorkPlan{
		WorkTickets: make([]WorkTicket, 0, len(p.WorkTickets)),
		Milestones:  append([]Milestone{}, p.Milestones...),
		Timeline:    Timeline{TotalDays: p.Timeline.TotalDays, Sprints: append([]Sprint{}, p.Timeline.Sprints...)},
	}
	for _, t := range p.WorkTickets {
		out.WorkTickets = append(out.WorkTickets, t.Normalized())
	}
	return out
}

func cloneStrings(in []string) []string {
	return append([]string{}, in...)
}
