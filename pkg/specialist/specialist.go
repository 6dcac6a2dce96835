// Package specialist holds the closed set of delegation targets and the
// intent-driven router that picks among them.
//
// The set is fixed at compile time: four terminal workers and two teams.
// A worker is a single model invocation with a narrow instruction; a team
// coordinates child workers internally and returns one merged response,
// opaque to its caller.
package specialist

// Kind separates terminal workers from nested coordinators.
type Kind string

const (
	KindWorker Kind = "worker"
	KindTeam   Kind = "team"
)

// Descriptor describes one specialist for routing and execution.
type Descriptor struct {
	Name         string
	Kind         Kind
	Capabilities string

	// ToolRequirements are tool names that must be usable by the caller
	// for this specialist to be routable.
	ToolRequirements []string

	// ModelHint selects the model role this specialist runs on.
	ModelHint string

	Instruction string

	// Children are the internal workers of a team, invisible to routing.
	Children []Descriptor
}

// catalogue is the closed specialist set. Order matters: it is the
// presentation order in the routing prompt.
var catalogue = []Descriptor{
	{
		Name:         "audio",
		Kind:         KindWorker,
		Capabilities: "transcription, audio summarization, speaker and sound identification",
		ModelHint:    "primary",
		Instruction: "You process audio-derived content. Work strictly from the " +
			"transcript or description provided; never invent timestamps or speakers.",
	},
	{
		Name:         "video",
		Kind:         KindWorker,
		Capabilities: "video content description, scene summarization, caption extraction",
		ModelHint:    "primary",
		Instruction: "You process video-derived content. Summarize scenes and " +
			"captions faithfully; flag anything you cannot determine from the input.",
	},
	{
		Name:         "image",
		Kind:         KindWorker,
		Capabilities: "image description, diagram reading, text extraction from images",
		ModelHint:    "primary",
		Instruction: "You interpret images and diagrams. Describe only what is " +
			"visible; distinguish reading text from inferring meaning.",
	},
	{
		Name:         "document",
		Kind:         KindWorker,
		Capabilities: "document analysis, summarization, structured data extraction",
		ModelHint:    "primary",
		Instruction: "You analyze documents. Ground every claim in the provided " +
			"text and cite the relevant passages.",
	},
	{
		Name:             "web_research",
		Kind:             KindTeam,
		Capabilities:     "current events, open-web facts, multi-source research",
		ToolRequirements: []string{"web_search"},
		ModelHint:        "primary",
		Instruction: "You coordinate web research and present one coherent, " +
			"sourced answer.",
		Children: []Descriptor{
			{
				Name:             "searcher",
				Kind:             KindWorker,
				ToolRequirements: []string{"web_search"},
				ModelHint:        "fallback",
				Instruction: "You search the web for the given question and " +
					"return the relevant findings verbatim with their sources.",
			},
			{
				Name:      "synthesizer",
				Kind:      KindWorker,
				ModelHint: "primary",
				Instruction: "You merge research findings into one grounded " +
					"answer, citing the sources you were given.",
			},
		},
	},
	{
		Name:         "legal_research",
		Kind:         KindTeam,
		Capabilities: "legislation, case law, contract and policy analysis",
		ModelHint:    "primary",
		Instruction: "You coordinate legal research. Be precise about " +
			"jurisdiction and never present analysis as legal advice.",
		Children: []Descriptor{
			{
				Name:      "statute_reader",
				Kind:      KindWorker,
				ModelHint: "fallback",
				Instruction: "You identify the statutes, regulations or clauses " +
					"relevant to the question and quote them exactly.",
			},
			{
				Name:      "analyst",
				Kind:      KindWorker,
				ModelHint: "primary",
				Instruction: "You analyze the quoted legal material and explain " +
					"its bearing on the question in plain language.",
			},
		},
	},
}
