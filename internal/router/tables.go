package router

import "github.com/me/gpusched/pkg/model"

// KeywordRule maps keywords to a task type. Rule order breaks ties.
type KeywordRule struct {
	Type     model.TaskType
	Keywords []string
}

// Tables holds every static routing table.
type Tables struct {
	Keywords         []KeywordRule
	DefaultType      model.TaskType
	Preferences      map[model.TaskType][]string
	Models           map[model.TaskType]map[string]string
	DefaultModels    map[string]string
	Verifiers        map[model.TaskType]string
	VerifierFallback []string
	Priorities       map[model.TaskType]int
	DefaultPriority  int
	Failover         map[string][]string
	PreferredGPUs    map[string][]int
}

// DefaultTables returns the built-in routing tables.
func DefaultTables() Tables {
	return Tables{
		Keywords: []KeywordRule{
			{model.TaskTypeCodeGeneration, []string{"write", "implement", "function", "create", "code", "script", "generate", "build"}},
			{model.TaskTypeCodeReview, []string{"review", "code review", "pull request", "critique", "audit"}},
			{model.TaskTypeTestGeneration, []string{"unit test", "unit tests", "test", "tests", "test case", "coverage"}},
			{model.TaskTypeBugFix, []string{"bug", "fix", "error", "crash", "broken", "exception", "stack trace", "debug"}},
			{model.TaskTypeRefactoring, []string{"refactor", "clean up", "restructure", "simplify", "rename", "extract"}},
			{model.TaskTypeDocumentation, []string{"document", "documentation", "docstring", "readme", "docs"}},
			{model.TaskTypeAnalysis, []string{"analyze", "analyse", "explain", "compare", "evaluate", "why"}},
			{model.TaskTypeResearch, []string{"research", "investigate", "find out", "survey", "sources", "papers"}},
			{model.TaskTypePlanning, []string{"plan", "roadmap", "steps", "design", "architecture", "milestone"}},
			{model.TaskTypeClassification, []string{"classify", "categorize", "categorise", "label", "tag"}},
			{model.TaskTypePromptEngineering, []string{"prompt", "system prompt", "instruction", "instructions"}},
			{model.TaskTypeVerification, []string{"verify", "validate", "double check", "fact check"}},
		},
		DefaultType: model.TaskTypeAnalysis,
		Preferences: map[model.TaskType][]string{
			model.TaskTypeCodeGeneration:    {"ollama", "claude_code", "gemini"},
			model.TaskTypeCodeReview:        {"claude_code", "gemini", "ollama"},
			model.TaskTypeTestGeneration:    {"ollama", "claude_code", "codex"},
			model.TaskTypeBugFix:            {"claude_code", "codex", "ollama"},
			model.TaskTypeRefactoring:       {"claude_code", "ollama", "codex"},
			model.TaskTypeDocumentation:     {"ollama", "gemini", "claude_code"},
			model.TaskTypeAnalysis:          {"gemini", "claude_code", "ollama"},
			model.TaskTypeResearch:          {"gemini", "claude_code"},
			model.TaskTypePlanning:          {"claude_code", "gemini"},
			model.TaskTypeClassification:    {"ollama", "gemini"},
			model.TaskTypePromptEngineering: {"claude_code", "gemini"},
			model.TaskTypeVerification:      {"claude_code", "gemini", "codex", "ollama"},
		},
		Models: map[model.TaskType]map[string]string{
			model.TaskTypeCodeGeneration: {"ollama": "slate-coder"},
			model.TaskTypeTestGeneration: {"ollama": "slate-coder"},
			model.TaskTypeBugFix:         {"ollama": "slate-coder", "claude_code": "opus"},
			model.TaskTypeRefactoring:    {"ollama": "slate-coder"},
			model.TaskTypeClassification: {"ollama": "qwen2.5:7b", "gemini": "gemini-2.5-flash"},
			model.TaskTypePlanning:       {"claude_code": "opus"},
		},
		DefaultModels: map[string]string{
			"ollama":      "qwen2.5:14b",
			"claude_code": "sonnet",
			"gemini":      "gemini-2.5-pro",
			"codex":       "gpt-5-codex",
		},
		Verifiers: map[model.TaskType]string{
			model.TaskTypeCodeGeneration:    "claude_code",
			model.TaskTypeCodeReview:        "gemini",
			model.TaskTypeTestGeneration:    "claude_code",
			model.TaskTypeBugFix:            "gemini",
			model.TaskTypeRefactoring:       "gemini",
			model.TaskTypeDocumentation:     "claude_code",
			model.TaskTypeAnalysis:          "claude_code",
			model.TaskTypeResearch:          "claude_code",
			model.TaskTypePlanning:          "gemini",
			model.TaskTypeClassification:    "gemini",
			model.TaskTypePromptEngineering: "gemini",
			model.TaskTypeVerification:      "claude_code",
		},
		VerifierFallback: []string{"claude_code", "gemini", "codex", "ollama"},
		Priorities: map[model.TaskType]int{
			model.TaskTypeBugFix:            1,
			model.TaskTypeCodeGeneration:    2,
			model.TaskTypeVerification:      2,
			model.TaskTypeCodeReview:        3,
			model.TaskTypeTestGeneration:    3,
			model.TaskTypeClassification:    3,
			model.TaskTypeRefactoring:       4,
			model.TaskTypePlanning:          4,
			model.TaskTypeAnalysis:          5,
			model.TaskTypePromptEngineering: 5,
			model.TaskTypeResearch:          6,
			model.TaskTypeDocumentation:     6,
		},
		DefaultPriority: 5,
		Failover: map[string][]string{
			"ollama":      {"claude_code", "gemini", "codex"},
			"claude_code": {"gemini", "codex", "ollama"},
			"gemini":      {"claude_code", "codex", "ollama"},
			"codex":       {"claude_code", "gemini", "ollama"},
		},
		PreferredGPUs: map[string][]int{
			"ollama": {0},
		},
	}
}
