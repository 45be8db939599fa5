package services

import (
	"regexp"
	"strings"
)

// EntityExtractor pulls typed entities out of free text with compiled
// patterns and a bounded technology vocabulary. The same rules seed graph
// activation, so store and recall agree on what counts as an entity.
type EntityExtractor struct {
	ip          *regexp.Regexp
	port        *regexp.Regexp
	isoDate     *regexp.Regexp
	naturalDate *regexp.Regexp
	version     *regexp.Regexp
	email       *regexp.Regexp
	url         *regexp.Regexp
	techTerms   []string
}

// NewEntityExtractor compiles all patterns once; the extractor is shared
// read-only afterwards.
func NewEntityExtractor() *EntityExtractor {
	return &EntityExtractor{
		ip:          regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		port:        regexp.MustCompile(`(?i)\bport\s+(\d{1,5})\b`),
		isoDate:     regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		naturalDate: regexp.MustCompile(`(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?\b`),
		version:     regexp.MustCompile(`\bv?\d+\.\d+(?:\.\d+)?\b`),
		email:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		url:         regexp.MustCompile(`\bhttps?://[^\s<>"]+`),
		techTerms: []string{
			"postgres", "postgresql", "mysql", "sqlite", "redis", "qdrant",
			"kafka", "rabbitmq", "nginx", "apache", "docker", "kubernetes",
			"terraform", "ansible", "linux", "ubuntu", "debian", "windows",
			"macos", "python", "golang", "javascript", "typescript", "rust",
			"java", "react", "vue", "angular", "node", "django", "flask",
			"fastapi", "grpc", "graphql", "rest", "oauth", "jwt", "ssl",
			"tls", "ssh", "dns", "http", "https", "tcp", "udp", "api",
			"aws", "gcp", "azure", "lambda", "s3", "ec2", "git", "github",
			"gitlab", "jenkins", "prometheus", "grafana", "elasticsearch",
		},
	}
}

// Extract returns the deduplicated entities of text in discovery order.
func (e *EntityExtractor) Extract(text string) []string {
	var entities []string
	seen := map[string]bool{}
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		entities = append(entities, value)
	}

	ips := e.ip.FindAllString(text, -1)
	for _, ip := range ips {
		add(ip)
	}
	for _, m := range e.port.FindAllStringSubmatch(text, -1) {
		add("port " + m[1])
	}
	for _, d := range e.isoDate.FindAllString(text, -1) {
		add(d)
	}
	for _, d := range e.naturalDate.FindAllString(text, -1) {
		add(d)
	}
	for _, v := range e.version.FindAllString(text, -1) {
		// Version numbers must not re-capture IP fragments.
		if e.insideIP(v, ips) {
			continue
		}
		add(v)
	}
	for _, m := range e.email.FindAllString(text, -1) {
		add(m)
	}
	for _, u := range e.url.FindAllString(text, -1) {
		add(strings.TrimRight(u, ".,;)"))
	}

	lower := strings.ToLower(text)
	for _, term := range e.techTerms {
		if containsWord(lower, term) {
			add(term)
		}
	}
	return entities
}

func (e *EntityExtractor) insideIP(fragment string, ips []string) bool {
	for _, ip := range ips {
		if strings.Contains(ip, fragment) {
			return true
		}
	}
	return false
}

// containsWord reports whether term occurs in lower on word boundaries.
func containsWord(lower, term string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		startOK := start == 0 || !isWordByte(lower[start-1])
		endOK := end == len(lower) || !isWordByte(lower[end])
		if startOK && endOK {
			return true
		}
		idx = start + 1
		if idx >= len(lower) {
			return false
		}
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}
