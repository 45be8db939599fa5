package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"engram/domain/core"
	"engram/domain/services"
)

func TestClassifySecurity_SecretIsTerminal(t *testing.T) {
	c := services.NewClassifier()

	secrets := []string{
		"my password is hunter2",
		"the prod api_key is sk-FAKE12345",
		"token = eyJhbGciOiJIUzI1NiJ9",
		"SSN is 123-45-6789",
		"card number 4111 1111 1111 1111",
	}
	for _, text := range secrets {
		hint := &services.SecurityHint{AgentID: "agent-a", Type: core.TypeSemantic}
		assert.Equal(t, core.ClassSecret, c.ClassifySecurity(text, hint), "text: %s", text)
	}
}

func TestClassifySecurity_MentionWithoutValueIsNotSecret(t *testing.T) {
	c := services.NewClassifier()

	// Talking about credentials without disclosing one stays storable.
	mentions := []string{
		"API key rotated on 2026-02-23",
		"remember to rotate the access key quarterly",
		"the secret key lives in the vault",
	}
	for _, text := range mentions {
		assert.Equal(t, core.ClassPublic, c.ClassifySecurity(text, nil), "text: %s", text)
	}
}

func TestClassifySecurity_HintDemotesToPrivate(t *testing.T) {
	c := services.NewClassifier()

	hint := &services.SecurityHint{AgentID: "agent-a", Type: core.TypePreference}
	assert.Equal(t, core.ClassPrivate, c.ClassifySecurity("I prefer dark roast coffee", hint))
	assert.Equal(t, core.ClassPublic, c.ClassifySecurity("I prefer dark roast coffee", nil))
}

func TestClassify_TypePrecedence(t *testing.T) {
	c := services.NewClassifier()

	cases := map[string]core.MemoryType{
		"Always remember to check backups before deploys": core.TypeCore,
		"How to configure nginx as a reverse proxy":       core.TypeProcedural,
		"I prefer tabs instead of spaces":                 core.TypePreference,
		"My colleague Dana reports to the platform lead":  core.TypeRelationship,
		"My name is Alex and I work at a startup":         core.TypeProfile,
		"Yesterday we discussed the migration plan":       core.TypeEpisodic,
		"Paris is the capital of France":                  core.TypeSemantic,
	}
	for text, want := range cases {
		got := c.Classify(text, nil)
		assert.Equal(t, want, got.Type, "text: %s", text)
	}
}

func TestClassify_UrgencyAndPriority(t *testing.T) {
	c := services.NewClassifier()

	critical := c.Classify("URGENT: production is down on the main server", nil)
	assert.Equal(t, core.UrgencyCritical, critical.Urgency)
	assert.Equal(t, core.DomainTechnical, critical.Domain)
	// critical 0.8 + technical 0.1
	assert.InDelta(t, 0.9, critical.Priority, 1e-9)

	background := c.Classify("fyi we could repaint the office someday", nil)
	assert.Equal(t, core.UrgencyBackground, background.Urgency)
}

func TestClassify_EntitiesAndTags(t *testing.T) {
	c := services.NewClassifier()

	res := c.Classify("The postgres server at 10.0.0.5 listens on port 5432, failed last night", nil)

	assert.Contains(t, res.Entities, "10.0.0.5")
	assert.Contains(t, res.Entities, "port 5432")
	assert.Contains(t, res.Entities, "postgres")
	assert.Contains(t, res.Tags, "technical")
	assert.Contains(t, res.Tags, "error")
}

func TestClassify_ConfidenceTags(t *testing.T) {
	c := services.NewClassifier()

	assert.Equal(t, core.TagUncertain, c.Classify("maybe the cache is stale, not sure", nil).ConfidenceTag)
	assert.Equal(t, core.TagVerified, c.Classify("verified that the fix works end to end", nil).ConfidenceTag)
	assert.Equal(t, core.TagGrounded, c.Classify("redis listens on port 6379", nil).ConfidenceTag)
	assert.Equal(t, core.TagInferred, c.Classify("the team seems happier lately", nil).ConfidenceTag)
}
