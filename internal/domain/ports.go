package domain

import "context"

// Generator produces one artifact per call. Implementations must honour ctx
// cancellation and return an error for replies that do not parse into the
// target model.
type Generator interface {
	EventStorming(ctx context.Context, document string) (EventStorming, error)
	Diagram(ctx context.Context, es EventStorming) (string, error)
	Discussion(ctx context.Context, es EventStorming) ([]DiscussionEntry, error)
	ExampleMapping(ctx context.Context, es EventStorming, discussion []DiscussionEntry) (ExampleMapping, error)
	UbiquitousLanguage(ctx context.Context, es EventStorming, discussion []DiscussionEntry, mapping ExampleMapping) ([]GlossaryEntry, error)
	WorkPlan(ctx context.Context, es EventStorming, mapping ExampleMapping, glossary []GlossaryEntry) (WorkPlan, error)
}
