package pipeline

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
)

// NERExtractor creates an extractor backed by a token classification model.
// Uses the KnightsAnalytics distilbert-NER model, mapping PER/ORG/LOC labels
// to entity types and MISC to CONCEPT.
func NERExtractor() (ExtractFunc, error) {
	modelName := "KnightsAnalytics/distilbert-NER"
	modelPath, err := helper.PrepareModel(modelName, "model.onnx")
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.TokenClassificationConfig{
		ModelPath: modelPath,
		Name:      "ner-pipeline",
		Options: []hugot.TokenClassificationOption{
			pipelines.WithSimpleAggregation(),
			pipelines.WithIgnoreLabels([]string{"O"}),
		},
	}
	nerPipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create NER pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create NER pipeline: %w", err)
	}

	return func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
		result, err := nerPipeline.RunPipeline([]string{chunk.Content})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to run NER: %w", err)
		}

		if len(result.Entities) == 0 {
			return nil, nil, nil
		}

		var candidates []model.EntityCandidate
		for _, entity := range result.Entities[0] {
			name := strings.TrimSpace(entity.Word)
			if name == "" {
				continue
			}

			candidates = append(candidates, model.EntityCandidate{
				Name:              name,
				Type:              nerLabelToEntityType(entity.Entity),
				Confidence:        float64(entity.Score),
				EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
				Metadata: model.Metadata{
					"extractor": "ner",
					"start":     entity.Start,
					"end":       entity.End,
				},
			})
		}

		return candidates, coOccurrenceRelationships(candidates, chunk, 0.5), nil
	}, nil
}

// nerLabelToEntityType maps BIO-tagged NER labels onto entity types.
// MISC has no direct counterpart and lands on CONCEPT.
func nerLabelToEntityType(label string) model.EntityType {
	label = strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
	switch label {
	case "PER":
		return model.EntityTypePerson
	case "ORG":
		return model.EntityTypeOrg
	case "LOC":
		return model.EntityTypeLocation
	case "MISC":
		return model.EntityTypeConcept
	default:
		return model.EntityTypeCustom
	}
}

var (
	// Two or more capitalized words in a row, e.g. "Marie Curie".
	properNamePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	// All-caps acronyms of 2-6 letters, e.g. "NASA".
	acronymPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
)

// Cue phrases that signal a typed relationship between the entities
// mentioned in the same chunk.
var cuePhrases = map[string]model.EdgeType{
	"builds on":   model.EdgeTypeBuildsUpon,
	"builds upon": model.EdgeTypeBuildsUpon,
	"extends":     model.EdgeTypeBuildsUpon,
	"contradicts": model.EdgeTypeContradicts,
	"disagrees":   model.EdgeTypeContradicts,
	"refutes":     model.EdgeTypeContradicts,
	"influences":  model.EdgeTypeInfluences,
	"influenced":  model.EdgeTypeInfluences,
	"inspired":    model.EdgeTypeInfluences,
	"shaped":      model.EdgeTypeInfluences,
}

// RuleExtractor extracts entities with regex patterns: capitalized
// multi-word names become CUSTOM entities, acronyms become ORG entities.
// Entities appearing in the same chunk get RELATES_TO relationships; cue
// phrases in the text upgrade them to a typed relationship.
func RuleExtractor() ExtractFunc {
	return func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
		var candidates []model.EntityCandidate

		for _, name := range properNamePattern.FindAllString(chunk.Content, -1) {
			candidates = append(candidates, model.EntityCandidate{
				Name:              name,
				Type:              model.EntityTypeCustom,
				Confidence:        0.5,
				EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
				Metadata:          model.Metadata{"extractor": "rule", "pattern": "proper_name"},
			})
		}

		for _, acronym := range acronymPattern.FindAllString(chunk.Content, -1) {
			candidates = append(candidates, model.EntityCandidate{
				Name:              acronym,
				Type:              model.EntityTypeOrg,
				Confidence:        0.4,
				EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
				Metadata:          model.Metadata{"extractor": "rule", "pattern": "acronym"},
			})
		}

		candidates = model.MergeEntityCandidates(candidates)

		relationships := coOccurrenceRelationships(candidates, chunk, 0.4)

		// A cue phrase between exactly two entities is strong enough to type
		// the relationship.
		lower := strings.ToLower(chunk.Content)
		for phrase, edgeType := range cuePhrases {
			if !strings.Contains(lower, phrase) {
				continue
			}
			if len(candidates) != 2 {
				continue
			}
			relationships = append(relationships, model.RelationshipCandidate{
				SourceKey:        candidates[0].NormalizedKey(),
				TargetKey:        candidates[1].NormalizedKey(),
				Type:             edgeType,
				Confidence:       0.6,
				EvidenceChunkRID: chunk.RID,
				Metadata:         model.Metadata{"extractor": "rule", "cue": phrase},
			})
		}

		return candidates, model.MergeRelationshipCandidates(relationships), nil
	}
}

// KeywordExtractor extracts a fixed set of domain terms as entities of the
// given type. Matching is case-insensitive on word boundaries.
func KeywordExtractor(terms []string, entityType model.EntityType) ExtractFunc {
	patterns := make(map[string]*regexp.Regexp, len(terms))
	for _, term := range terms {
		patterns[term] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
	}

	return func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
		var candidates []model.EntityCandidate
		for term, pattern := range patterns {
			if !pattern.MatchString(chunk.Content) {
				continue
			}
			candidates = append(candidates, model.EntityCandidate{
				Name:              term,
				Type:              entityType,
				Confidence:        0.7,
				EvidenceChunkRIDs: []uuid.UUID{chunk.RID},
				Metadata:          model.Metadata{"extractor": "keyword"},
			})
		}

		candidates = model.MergeEntityCandidates(candidates)
		return candidates, coOccurrenceRelationships(candidates, chunk, 0.4), nil
	}
}

// CompositeExtractor runs all extractors and unions their candidates. A
// failing extractor is logged and skipped; the composite only fails when
// every extractor fails.
func CompositeExtractor(logger *slog.Logger, extractors ...ExtractFunc) ExtractFunc {
	return func(chunk *model.Chunk) ([]model.EntityCandidate, []model.RelationshipCandidate, error) {
		var allEntities []model.EntityCandidate
		var allRelationships []model.RelationshipCandidate
		failures := 0

		for i, extract := range extractors {
			entities, relationships, err := extract(chunk)
			if err != nil {
				failures++
				if logger != nil {
					logger.Warn("extractor failed, skipping",
						slog.Int("extractor", i),
						slog.String("chunk_rid", chunk.RID.String()),
						slog.Any("error", err))
				}
				continue
			}
			allEntities = append(allEntities, entities...)
			allRelationships = append(allRelationships, relationships...)
		}

		if len(extractors) > 0 && failures == len(extractors) {
			return nil, nil, fmt.Errorf("all %d extractors failed for chunk %s", failures, chunk.RID)
		}

		return model.MergeEntityCandidates(allEntities),
			model.MergeRelationshipCandidates(allRelationships), nil
	}
}

// coOccurrenceRelationships pairs up entities found in the same chunk as
// RELATES_TO candidates. Pairs are ordered by normalized key so the same
// chunk always yields the same candidate set.
func coOccurrenceRelationships(candidates []model.EntityCandidate, chunk *model.Chunk, confidence float64) []model.RelationshipCandidate {
	if len(candidates) < 2 {
		return nil
	}

	var relationships []model.RelationshipCandidate
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			sourceKey := candidates[i].NormalizedKey()
			targetKey := candidates[j].NormalizedKey()
			if sourceKey == targetKey {
				continue
			}
			if sourceKey > targetKey {
				sourceKey, targetKey = targetKey, sourceKey
			}

			relationships = append(relationships, model.RelationshipCandidate{
				SourceKey:        sourceKey,
				TargetKey:        targetKey,
				Type:             model.EdgeTypeRelatesTo,
				Confidence:       confidence,
				EvidenceChunkRID: chunk.RID,
				Metadata:         model.Metadata{"detection": "co_occurrence"},
			})
		}
	}
	return model.MergeRelationshipCandidates(relationships)
}
