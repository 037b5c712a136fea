package graph

// Section groups nodes into logical areas for structured display.
type Section string

const (
	SectionIdentity      Section = "identity"
	SectionHealth        Section = "health"
	SectionCommunication Section = "communication"
	SectionSituational   Section = "situational"
)

// AllSections returns the sections in display order.
func AllSections() []Section {
	return []Section{SectionIdentity, SectionHealth, SectionCommunication, SectionSituational}
}

var kindSections = map[NodeKind]Section{
	KindUser:         SectionIdentity,
	KindPersonalInfo: SectionIdentity,

	KindMedicalInfo: SectionHealth,
	KindBodyPart:    SectionHealth,

	KindScript:    SectionCommunication,
	KindVocabItem: SectionCommunication,
	KindPattern:   SectionCommunication,
	KindPartner:   SectionCommunication,
}

// SectionOf returns the node's explicit section, or the one derived from
// its kind. Unknown kinds are situational.
func SectionOf(n Node) Section {
	if n.Section != "" {
		return n.Section
	}
	if s, ok := kindSections[n.Kind]; ok {
		return s
	}
	return SectionSituational
}
