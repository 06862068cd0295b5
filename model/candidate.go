package model

import "github.com/google/uuid"

// EntityCandidate is an entity mention emitted by an extraction strategy
// before identity resolution against the store.
type EntityCandidate struct {
	Name              string      `json:"name"`
	Type              EntityType  `json:"entity_type"`
	Confidence        float64     `json:"confidence"`
	EvidenceChunkRIDs []uuid.UUID `json:"evidence_chunk_rids"`
	Metadata          Metadata    `json:"metadata,omitempty"`
}

// NormalizedKey returns the identity key the candidate resolves under.
func (c EntityCandidate) NormalizedKey() string {
	return NormalizeKey(c.Name, c.Type)
}

// RelationshipCandidate is a typed relationship between two entity candidates,
// referenced by their normalized keys. The evidence chunk is where the
// relationship was observed.
type RelationshipCandidate struct {
	SourceKey        string    `json:"source_key"`
	TargetKey        string    `json:"target_key"`
	Type             EdgeType  `json:"edge_type"`
	Confidence       float64   `json:"confidence"`
	EvidenceChunkRID uuid.UUID `json:"evidence_chunk_rid"`
	Metadata         Metadata  `json:"metadata,omitempty"`
}

// MergeEntityCandidates deduplicates candidates by normalized key, keeping the
// maximum confidence and the union of evidence chunk RIDs. Input order of
// first appearance is preserved so merged output is deterministic.
func MergeEntityCandidates(candidates []EntityCandidate) []EntityCandidate {
	merged := make(map[string]*EntityCandidate)
	var order []string

	for _, candidate := range candidates {
		key := candidate.NormalizedKey()
		existing, ok := merged[key]
		if !ok {
			c := candidate
			c.EvidenceChunkRIDs = append([]uuid.UUID(nil), candidate.EvidenceChunkRIDs...)
			merged[key] = &c
			order = append(order, key)
			continue
		}

		if candidate.Confidence > existing.Confidence {
			existing.Confidence = candidate.Confidence
			existing.Name = candidate.Name
		}
		for _, rid := range candidate.EvidenceChunkRIDs {
			if !containsRID(existing.EvidenceChunkRIDs, rid) {
				existing.EvidenceChunkRIDs = append(existing.EvidenceChunkRIDs, rid)
			}
		}
	}

	result := make([]EntityCandidate, 0, len(order))
	for _, key := range order {
		result = append(result, *merged[key])
	}
	return result
}

// MergeRelationshipCandidates deduplicates relationship candidates by
// (source, target, type), keeping the maximum confidence.
func MergeRelationshipCandidates(candidates []RelationshipCandidate) []RelationshipCandidate {
	type relKey struct {
		source, target string
		edgeType       EdgeType
	}
	merged := make(map[relKey]*RelationshipCandidate)
	var order []relKey

	for _, candidate := range candidates {
		key := relKey{candidate.SourceKey, candidate.TargetKey, candidate.Type}
		existing, ok := merged[key]
		if !ok {
			c := candidate
			merged[key] = &c
			order = append(order, key)
			continue
		}
		if candidate.Confidence > existing.Confidence {
			existing.Confidence = candidate.Confidence
			existing.EvidenceChunkRID = candidate.EvidenceChunkRID
		}
	}

	result := make([]RelationshipCandidate, 0, len(order))
	for _, key := range order {
		result = append(result, *merged[key])
	}
	return result
}

func containsRID(rids []uuid.UUID, rid uuid.UUID) bool {
	for _, r := range rids {
		if r == rid {
			return true
		}
	}
	return false
}
