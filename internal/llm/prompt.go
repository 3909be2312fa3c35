package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt is one system plus user message pair sent to a completer.
type Prompt struct {
	Name   string
	System string
	User   string
}

const jsonRule = "Always answer with a single valid JSON object and nothing else."

func languageRule(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return ""
	}
	return fmt.Sprintf(" Write every human-readable value in %s.", lang)
}

func pretty(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

const eventStormingTemplate = `
Analyze the product requirement document (PRD) below and produce an Event Storming model.

PRD:
%s

Return JSON in exactly this shape:
{
  "events": ["event", ...],
  "commands": ["command", ...],
  "actors": ["actor", ...],
  "policies": ["policy, condition or constraint", ...],
  "aggregates": ["aggregate or bounded context", ...],
  "flow": [
    {"from": "actor or command", "to": "event", "type": "triggers"},
    {"from": "event", "to": "policy", "type": "applies"}
  ]
}

Rules:
1. Events are phrased in the past tense.
2. Commands are phrased as imperative verbs.
3. Order elements by the business flow.
4. Separate bounded contexts clearly.
5. Flow entries use names declared above and type "triggers" or "applies".`

func eventStormingPrompt(document, lang string) Prompt {
	return Prompt{
		Name:   "eventStorming",
		System: "You are an expert in Domain-Driven Design and Event Storming. " + jsonRule + languageRule(lang),
		User:   fmt.Sprintf(eventStormingTemplate, document),
	}
}

const diagramTemplate = `
Draw a Mermaid.js flowchart for the Event Storming model below.

Event Storming model:
%s

Rules:
1. Start with "flowchart LR".
2. Actors are circles: A1((name)).
3. Commands and events are rectangles: C1[name], E1[name].
4. Policies are diamonds: P1{name}.
5. Node ids use letters and digits only and are unique.
6. Declare every node before the edges; edges use -->.

Return JSON: {"diagram": "flowchart LR\n    A1((...))\n    ..."}`

func diagramPrompt(es any) Prompt {
	return Prompt{
		Name:   "diagram",
		System: "You are a Mermaid.js diagram expert. Produce syntactically valid Mermaid v11 flowcharts. " + jsonRule,
		User:   fmt.Sprintf(diagramTemplate, pretty(es)),
	}
}

const discussionTemplate = `
Simulate a collaborative team discussion preparing an Example Mapping session for the Event Storming model below.

Event Storming model:
%s

Participants:
- Product Owner: business perspective
- Developer: implementation perspective
- QA Engineer: testing and quality perspective
- UX Designer: user experience perspective

Return JSON:
{
  "discussion": [
    {"author": "role", "content": "what they say"}
  ]
}

The discussion should be natural and constructive and converge on concrete rules and examples.`

func discussionPrompt(es any, lang string) Prompt {
	return Prompt{
		Name:   "discussion",
		System: "You simulate the discussion of a collaborating software team. " + jsonRule + languageRule(lang),
		User:   fmt.Sprintf(discussionTemplate, pretty(es)),
	}
}

const exampleMappingTemplate = `
Build an Example Mapping from the Event Storming model and the team discussion below.

Event Storming model:
%s

Team discussion:
%s

Return JSON:
{
  "stories": ["user story", ...],
  "rules": ["business rule", ...],
  "examples": ["concrete example", ...],
  "questions": ["open question", ...]
}

Rules:
1. Stories follow "As a <role>, I want <goal>" or a short feature description.
2. Rules are clear and verifiable.
3. Examples are concrete scenarios or test cases.
4. Questions capture ambiguities that need follow-up.`

func exampleMappingPrompt(es, discussion any, lang string) Prompt {
	return Prompt{
		Name:   "exampleMapping",
		System: "You are an Example Mapping expert. " + jsonRule + languageRule(lang),
		User:   fmt.Sprintf(exampleMappingTemplate, pretty(es), pretty(discussion)),
	}
}

const glossaryTemplate = `
Define the ubiquitous language of the domain from the artifacts below.

Event Storming model:
%s

Team discussion:
%s

Example Mapping:
%s

Return JSON:
{
  "ubiquitousLanguage": [
    {"boundedContext": "context", "englishName": "CodeName", "koreanName": "localized name", "description": "meaning"}
  ]
}

Rules:
1. Include every core term from the Event Storming model.
2. Add important concepts raised in the discussion and the mapping rules.
3. englishName is usable in code (CamelCase or snake_case).
4. Merge different spellings of the same concept into one term.`

func glossaryPrompt(es, discussion, mapping any, lang string) Prompt {
	return Prompt{
		Name:   "ubiquitousLanguage",
		System: "You are a Domain-Driven Design expert defining a ubiquitous language. " + jsonRule + languageRule(lang),
		User:   fmt.Sprintf(glossaryTemplate, pretty(es), pretty(discussion), pretty(mapping)),
	}
}

const workPlanTemplate = `
Break the artifacts below into concrete work tickets with milestones and a sprint timeline. Today is %s.

Event Storming model:
%s

Example Mapping:
%s

Ubiquitous language:
%s

Return JSON:
{
  "workTickets": [
    {
      "id": "TASK-001",
      "title": "title",
      "description": "details",
      "type": "feature|bug|improvement|task",
      "priority": "high|medium|low",
      "estimatedHours": 8,
      "dependencies": ["TASK-XXX"],
      "assignee": "role",
      "sprint": 1,
      "startDate": "YYYY-MM-DD",
      "endDate": "YYYY-MM-DD",
      "tags": ["backend"],
      "acceptanceCriteria": ["criterion"]
    }
  ],
  "milestones": [{"id": "M1", "title": "title", "date": "YYYY-MM-DD", "description": "details"}],
  "timeline": {"totalDays": 30, "sprints": [{"number": 1, "startDate": "YYYY-MM-DD", "endDate": "YYYY-MM-DD", "goal": "goal"}]}
}

Rules:
1. Ticket ids are unique.
2. estimatedHours is positive and sprint starts at 1.
3. startDate is not after endDate; schedules start today.
4. Assignees are one of Product Owner, Developer, QA Engineer, UX Designer.
5. Each ticket fits within one sprint.`

func workPlanPrompt(es, mapping, glossary any, today, lang string) Prompt {
	return Prompt{
		Name:   "workTickets",
		System: "You are a project management expert and software team lead. " + jsonRule + languageRule(lang),
		User:   fmt.Sprintf(workPlanTemplate, today, pretty(es), pretty(mapping), pretty(glossary)),
	}
}
