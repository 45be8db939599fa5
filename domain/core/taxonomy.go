package core

// Closed taxonomy sets for memory cells. Values travel in vector-store
// payloads, so the string forms are part of the wire contract.

// MemoryType describes what kind of knowledge a cell holds.
type MemoryType string

const (
	TypeEpisodic     MemoryType = "episodic"
	TypeSemantic     MemoryType = "semantic"
	TypePreference   MemoryType = "preference"
	TypeRelationship MemoryType = "relationship"
	TypeProcedural   MemoryType = "procedural"
	TypeProfile      MemoryType = "profile"
	TypeCore         MemoryType = "core"
)

// Valid reports whether t is a member of the closed set.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypePreference, TypeRelationship,
		TypeProcedural, TypeProfile, TypeCore:
		return true
	}
	return false
}

// Permanent reports whether cells of this type are exempt from decay
// archival and pruning.
func (t MemoryType) Permanent() bool {
	return t == TypeCore || t == TypeProcedural
}

// Classification is the security classification of a cell.
type Classification string

const (
	ClassPublic  Classification = "public"
	ClassPrivate Classification = "private"
	ClassSecret  Classification = "secret"
)

// Valid reports whether c is a member of the closed set.
func (c Classification) Valid() bool {
	return c == ClassPublic || c == ClassPrivate || c == ClassSecret
}

// Urgency drives decay parameters and priority scoring.
type Urgency string

const (
	UrgencyCritical   Urgency = "critical"
	UrgencyImportant  Urgency = "important"
	UrgencyReference  Urgency = "reference"
	UrgencyBackground Urgency = "background"
)

// Valid reports whether u is a member of the closed set.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyCritical, UrgencyImportant, UrgencyReference, UrgencyBackground:
		return true
	}
	return false
}

// Domain is the broad subject area of a cell.
type Domain string

const (
	DomainTechnical Domain = "technical"
	DomainPersonal  Domain = "personal"
	DomainProject   Domain = "project"
	DomainKnowledge Domain = "knowledge"
	DomainGeneral   Domain = "general"
)

// Valid reports whether d is a member of the closed set.
func (d Domain) Valid() bool {
	switch d {
	case DomainTechnical, DomainPersonal, DomainProject, DomainKnowledge, DomainGeneral:
		return true
	}
	return false
}

// ConfidenceTag qualifies how a cell's content was established.
type ConfidenceTag string

const (
	TagVerified  ConfidenceTag = "verified"
	TagGrounded  ConfidenceTag = "grounded"
	TagInferred  ConfidenceTag = "inferred"
	TagUncertain ConfidenceTag = "uncertain"
)

// Valid reports whether t is a member of the closed set.
func (t ConfidenceTag) Valid() bool {
	switch t {
	case TagVerified, TagGrounded, TagInferred, TagUncertain:
		return true
	}
	return false
}

// Scope partitions visibility of a cell.
type Scope string

const (
	ScopePublic      Scope = "public"
	ScopePrivate     Scope = "private"
	ScopeSharedBlock Scope = "shared_block"
	ScopePattern     Scope = "pattern"
)
