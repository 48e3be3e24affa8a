// Package router maps prompts and task types to providers, models and
// verifiers using static tables. It never consults live provider health.
package router

import (
	"slices"
	"strings"
	"unicode"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/pkg/model"
)

// Router answers routing questions from a fixed set of tables.
type Router struct {
	t Tables
}

// New creates a Router over t.
func New(t Tables) *Router {
	if t.DefaultType == "" {
		t.DefaultType = model.TaskTypeAnalysis
	}
	return &Router{t: t}
}

// FromConfig returns a Router over the default tables with the
// configuration's overrides applied.
func FromConfig(cfg config.SchedulerConfig) *Router {
	t := DefaultTables()
	for _, p := range cfg.Providers {
		if p.DefaultModel != "" {
			t.DefaultModels[p.Name] = p.DefaultModel
		}
		if len(p.PreferredGPUs) > 0 {
			t.PreferredGPUs[p.Name] = slices.Clone(p.PreferredGPUs)
		}
	}
	r := cfg.Routing
	for tt, prefs := range r.Preferences {
		t.Preferences[model.TaskType(tt)] = slices.Clone(prefs)
	}
	for tt, m := range r.Models {
		key := model.TaskType(tt)
		if t.Models[key] == nil {
			t.Models[key] = make(map[string]string)
		}
		for p, name := range m {
			t.Models[key][p] = name
		}
	}
	for tt, v := range r.Verifiers {
		t.Verifiers[model.TaskType(tt)] = v
	}
	if len(r.VerifierFallback) > 0 {
		t.VerifierFallback = slices.Clone(r.VerifierFallback)
	}
	for tt, p := range r.Priorities {
		t.Priorities[model.TaskType(tt)] = p
	}
	for from, chain := range r.Failover {
		t.Failover[from] = slices.Clone(chain)
	}
	return New(t)
}

// Classify picks the task type whose keywords occur most often in text.
// Ties go to the earlier rule; no match yields the default type.
func (r *Router) Classify(text string) model.TaskType {
	norm := normalize(text)
	best, bestHits := r.t.DefaultType, 0
	for _, rule := range r.t.Keywords {
		hits := 0
		for _, kw := range rule.Keywords {
			if strings.Contains(norm, normalize(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.Type, hits
		}
	}
	return best
}

// normalize lowercases text and reduces it to space-separated words with a
// leading and trailing space, so keywords match on word boundaries.
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

// RouteProviders returns the preferred providers for a task type in order.
func (r *Router) RouteProviders(tt model.TaskType) []string {
	if prefs, ok := r.t.Preferences[tt]; ok {
		return slices.Clone(prefs)
	}
	return slices.Clone(r.t.Preferences[r.t.DefaultType])
}

// ModelFor returns the model a provider should use for a task type.
func (r *Router) ModelFor(tt model.TaskType, provider string) string {
	if m, ok := r.t.Models[tt][provider]; ok {
		return m
	}
	return r.t.DefaultModels[provider]
}

// VerifierFor returns the provider that should verify output of type tt.
// It never returns producing; on collision the fallback sequence is walked.
// An empty result means no distinct verifier exists.
func (r *Router) VerifierFor(tt model.TaskType, producing string) string {
	if v, ok := r.t.Verifiers[tt]; ok && v != producing {
		return v
	}
	for _, v := range r.t.VerifierFallback {
		if v != producing {
			return v
		}
	}
	return ""
}

// PriorityFor returns the default priority of a task type.
func (r *Router) PriorityFor(tt model.TaskType) int {
	if p, ok := r.t.Priorities[tt]; ok {
		return p
	}
	return r.t.DefaultPriority
}

// FailoverChain returns the providers tried after provider fails.
func (r *Router) FailoverChain(provider string) []string {
	return slices.Clone(r.t.Failover[provider])
}

// PreferredGPUs returns the devices a provider prefers, if any.
func (r *Router) PreferredGPUs(provider string) []int {
	return slices.Clone(r.t.PreferredGPUs[provider])
}

// Route classifies text (unless hint is set) and reports the full routing
// decision.
func (r *Router) Route(text string, hint model.TaskType) model.RouteDecision {
	tt := hint
	if tt == "" {
		tt = r.Classify(text)
	}
	providers := r.RouteProviders(tt)
	models := make(map[string]string, len(providers))
	for _, p := range providers {
		models[p] = r.ModelFor(tt, p)
	}
	verifier := ""
	if len(providers) > 0 {
		verifier = r.VerifierFor(tt, providers[0])
	}
	return model.RouteDecision{
		TaskType:  tt,
		Priority:  r.PriorityFor(tt),
		Providers: providers,
		Models:    models,
		Verifier:  verifier,
	}
}
