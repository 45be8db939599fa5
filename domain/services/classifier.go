package services

import (
	"regexp"
	"strings"

	"engram/domain/core"
)

// Classifier is the rule pack that enriches raw text into the cell taxonomy:
// security classification, memory type, urgency, domain, category, entities
// and tags. All intelligence here is regex- and lexicon-based; there is no
// model call. Patterns compile once at startup and are shared read-only.
type Classifier struct {
	secret     []*regexp.Regexp
	types      []typeRule
	urgencies  []urgencyRule
	domains    map[core.Domain][]string
	categories []categoryRule
	tagRules   []tagRule
	hedging    *regexp.Regexp
	assertive  *regexp.Regexp
	extractor  *EntityExtractor
}

type typeRule struct {
	memType  core.MemoryType
	patterns []*regexp.Regexp
}

type urgencyRule struct {
	urgency  core.Urgency
	patterns []*regexp.Regexp
}

type categoryRule struct {
	category string
	pattern  *regexp.Regexp
}

type tagRule struct {
	tag     string
	pattern *regexp.Regexp
}

// SecurityHint is the caller-supplied context that can demote a cell from
// public to private. Secret classification is terminal and ignores hints.
type SecurityHint struct {
	AgentID string
	Type    core.MemoryType
}

// ClassifierResult carries every classifier output for one text.
type ClassifierResult struct {
	Security      core.Classification
	Type          core.MemoryType
	Urgency       core.Urgency
	Domain        core.Domain
	Category      string
	Entities      []string
	Tags          []string
	Priority      float64
	ConfidenceTag core.ConfidenceTag
	Confidence    float64
}

// NewClassifier compiles the full rule pack.
func NewClassifier() *Classifier {
	mustAll := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(exprs))
		for i, e := range exprs {
			out[i] = regexp.MustCompile(e)
		}
		return out
	}

	return &Classifier{
		secret: mustAll(
			`(?i)\bpassword\s*(?:is|was|:|=)\s*\S+`,
			`(?i)\b(?:api[_ -]?key|secret[_ -]?key|access[_ -]?key|private[_ -]?key)\s*(?:is|was|:|=)\s*\S+`,
			`(?i)\b(?:bearer|token)\s*[:=]\s*\S+`,
			`(?i)-----BEGIN\s+(?:RSA|EC|OPENSSH|PGP)?\s*PRIVATE KEY-----`,
			`(?i)\bsecret\s*(?:is|:|=)\s*\S+`,
			`\b\d{3}-\d{2}-\d{4}\b`,                   // SSN-shaped
			`\b(?:\d[ -]?){13,16}\b`,                  // card-shaped
			`(?i)\b(?:passphrase|credentials?)\s*[:=]`,
		),
		types: []typeRule{
			{core.TypeCore, mustAll(
				`(?i)\balways remember\b`, `(?i)\bnever forget\b`,
				`(?i)\bcore (?:principle|rule|value)\b`, `(?i)\bgolden rule\b`,
				`(?i)\bcritical rule\b`, `(?i)\bfundamental\b`,
			)},
			{core.TypeProcedural, mustAll(
				`(?i)\bhow to\b`, `(?i)\bsteps? to\b`, `(?i)\bin order to\b`,
				`(?i)\bprocedure\b`, `(?i)\bfirst\b.*\bthen\b`,
				`(?i)\bto (?:install|configure|deploy|set ?up|build)\b`,
				`(?i)\brun the\b`,
			)},
			{core.TypePreference, mustAll(
				`(?i)\bi prefer\b`, `(?i)\bi (?:like|love|enjoy)\b`,
				`(?i)\bi (?:hate|dislike|avoid)\b`, `(?i)\bfavou?rite\b`,
				`(?i)\brather than\b`, `(?i)\binstead of\b`,
			)},
			{core.TypeRelationship, mustAll(
				`(?i)\bmy (?:wife|husband|partner|friend|boss|colleague|manager|brother|sister|mother|father|son|daughter|team)\b`,
				`(?i)\bworks (?:with|for|at)\b`, `(?i)\breports to\b`,
				`(?i)\bmarried to\b`, `(?i)\bknows\b`,
			)},
			{core.TypeProfile, mustAll(
				`(?i)\bmy name is\b`, `(?i)\bi am an?\b`, `(?i)\bi work (?:at|as)\b`,
				`(?i)\bi live in\b`, `(?i)\bmy (?:email|phone|address)\b`,
				`(?i)\byears? old\b`,
			)},
			{core.TypeEpisodic, mustAll(
				`(?i)\b(?:today|yesterday|tonight)\b`, `(?i)\blast (?:week|night|month|year)\b`,
				`(?i)\bthis (?:morning|afternoon|evening|week)\b`,
				`(?i)\bjust (?:now|finished|happened)\b`, `(?i)\bwe (?:discussed|met|agreed|talked)\b`,
				`(?i)\bearlier\b`, `\b\d{4}-\d{2}-\d{2}\b`,
				`(?i)\bon (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`,
			)},
		},
		urgencies: []urgencyRule{
			{core.UrgencyCritical, mustAll(
				`(?i)\burgent(?:ly)?\b`, `(?i)\bcritical\b`, `(?i)\basap\b`,
				`(?i)\bimmediately\b`, `(?i)\bemergency\b`, `(?i)\bright away\b`,
				`(?i)\bproduction (?:is )?down\b`, `(?i)\bsecurity breach\b`,
			)},
			{core.UrgencyImportant, mustAll(
				`(?i)\bimportant\b`, `(?i)\bmust\b`, `(?i)\bneed(?:s|ed)? to\b`,
				`(?i)\brequired\b`, `(?i)\bdeadline\b`, `(?i)\bdon'?t forget\b`,
				`(?i)\bremember to\b`, `(?i)\bmake sure\b`,
			)},
			{core.UrgencyBackground, mustAll(
				`(?i)\bsomeday\b`, `(?i)\beventually\b`, `(?i)\bminor\b`,
				`(?i)\blow priority\b`, `(?i)\bfyi\b`, `(?i)\bwhenever\b`,
				`(?i)\bnice to have\b`, `(?i)\bno (?:rush|hurry)\b`,
			)},
		},
		domains: map[core.Domain][]string{
			core.DomainTechnical: {
				"server", "database", "code", "api", "bug", "deploy",
				"deployment", "error", "config", "configuration", "docker",
				"kubernetes", "function", "endpoint", "latency", "query",
				"cache", "memory", "cpu", "disk", "network", "log", "crash",
				"port", "build", "compile", "release", "version",
			},
			core.DomainPersonal: {
				"family", "friend", "feel", "feeling", "health", "home",
				"birthday", "vacation", "hobby", "weekend", "dinner",
				"wife", "husband", "kids", "doctor",
			},
			core.DomainProject: {
				"deadline", "milestone", "sprint", "meeting", "task",
				"deliverable", "client", "stakeholder", "roadmap", "scope",
				"ticket", "backlog", "standup", "review", "launch",
			},
			core.DomainKnowledge: {
				"fact", "concept", "theory", "definition", "research",
				"history", "principle", "formula", "paper", "study",
				"algorithm", "capital", "means", "defined",
			},
			core.DomainGeneral: {
				"note", "misc", "random", "general", "thing", "stuff",
			},
		},
		categories: []categoryRule{
			{"infrastructure", regexp.MustCompile(`(?i)\b(?:server|host|cluster|deploy|docker|kubernetes|nginx)\b`)},
			{"database", regexp.MustCompile(`(?i)\b(?:database|postgres|mysql|sqlite|redis|query|schema|table)\b`)},
			{"networking", regexp.MustCompile(`(?i)\b(?:ip|dns|port|network|firewall|proxy|tls|ssl)\b`)},
			{"scheduling", regexp.MustCompile(`(?i)\b(?:meeting|deadline|calendar|schedule|appointment)\b`)},
			{"people", regexp.MustCompile(`(?i)\b(?:wife|husband|friend|boss|colleague|manager|team)\b`)},
			{"preferences", regexp.MustCompile(`(?i)\b(?:prefer|favou?rite|like|dislike)\b`)},
		},
		tagRules: []tagRule{
			{"error", regexp.MustCompile(`(?i)\b(?:error|exception|fail(?:ed|ure)?|crash(?:ed)?|panic)\b`)},
			{"security", regexp.MustCompile(`(?i)\b(?:auth|authentication|permission|firewall|certificate|rotate[sd]?)\b`)},
			{"performance", regexp.MustCompile(`(?i)\b(?:slow|latency|optimi[sz]e[sd]?|throughput|bottleneck)\b`)},
			{"decision", regexp.MustCompile(`(?i)\b(?:decided|chose|agreed|conclusion|settled on)\b`)},
			{"question", regexp.MustCompile(`(?i)\b(?:how|what|why|when|where|which)\b.*\?`)},
		},
		hedging:   regexp.MustCompile(`(?i)\b(?:maybe|might|probably|possibly|i think|not sure|unsure|guess)\b`),
		assertive: regexp.MustCompile(`(?i)\b(?:verified|confirmed|definitely|certain(?:ly)?|double-?checked)\b`),
		extractor: NewEntityExtractor(),
	}
}

// urgencyScore and domainBoost define the priority table. Priority is their
// sum clamped to [0, 1].
var urgencyScore = map[core.Urgency]float64{
	core.UrgencyCritical:   0.8,
	core.UrgencyImportant:  0.6,
	core.UrgencyReference:  0.4,
	core.UrgencyBackground: 0.2,
}

var domainBoost = map[core.Domain]float64{
	core.DomainTechnical: 0.10,
	core.DomainProject:   0.15,
	core.DomainPersonal:  0.05,
	core.DomainKnowledge: 0.05,
	core.DomainGeneral:   0.0,
}

// Classify runs the full pack on one text.
func (c *Classifier) Classify(text string, hint *SecurityHint) *ClassifierResult {
	res := &ClassifierResult{
		Security: c.ClassifySecurity(text, hint),
		Type:     c.classifyType(text),
		Urgency:  c.classifyUrgency(text),
		Domain:   c.classifyDomain(text),
		Entities: c.extractor.Extract(text),
	}
	res.Category = c.classifyCategory(text)
	res.Tags = c.classifyTags(text, res.Domain)
	res.Priority = clamp(urgencyScore[res.Urgency]+domainBoost[res.Domain], 0, 1)
	res.ConfidenceTag, res.Confidence = c.assessConfidence(text, res.Entities)
	return res
}

// ClassifySecurity applies the secret patterns first; a hit is terminal. A
// context hint with both agent and type demotes to private; otherwise the
// text is public.
func (c *Classifier) ClassifySecurity(text string, hint *SecurityHint) core.Classification {
	for _, p := range c.secret {
		if p.MatchString(text) {
			return core.ClassSecret
		}
	}
	if hint != nil && hint.AgentID != "" && hint.Type != "" {
		return core.ClassPrivate
	}
	return core.ClassPublic
}

// classifyType: first matching pattern set wins, ordered core → procedural →
// preference → relationship → profile → episodic; semantic is the default.
func (c *Classifier) classifyType(text string) core.MemoryType {
	for _, rule := range c.types {
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				return rule.memType
			}
		}
	}
	return core.TypeSemantic
}

func (c *Classifier) classifyUrgency(text string) core.Urgency {
	for _, rule := range c.urgencies {
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				return rule.urgency
			}
		}
	}
	return core.UrgencyReference
}

func (c *Classifier) classifyDomain(text string) core.Domain {
	lower := strings.ToLower(text)
	best := core.DomainKnowledge
	bestHits := 0
	// Stable precedence: iterate an explicit order so ties resolve the
	// same way on every run.
	for _, d := range []core.Domain{
		core.DomainTechnical, core.DomainProject, core.DomainPersonal,
		core.DomainKnowledge, core.DomainGeneral,
	} {
		hits := 0
		for _, kw := range c.domains[d] {
			if containsWord(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = d, hits
		}
	}
	return best
}

func (c *Classifier) classifyCategory(text string) string {
	for _, rule := range c.categories {
		if rule.pattern.MatchString(text) {
			return rule.category
		}
	}
	return ""
}

func (c *Classifier) classifyTags(text string, domain core.Domain) []string {
	tags := []string{string(domain)}
	for _, rule := range c.tagRules {
		if rule.pattern.MatchString(text) {
			tags = append(tags, rule.tag)
		}
	}
	return tags
}

func (c *Classifier) assessConfidence(text string, entities []string) (core.ConfidenceTag, float64) {
	switch {
	case c.hedging.MatchString(text):
		return core.TagUncertain, 0.4
	case c.assertive.MatchString(text):
		return core.TagVerified, 0.95
	case len(entities) > 0:
		return core.TagGrounded, 0.85
	default:
		return core.TagInferred, 0.7
	}
}
