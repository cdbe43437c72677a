package embedding

import (
	"github.com/book-expert/vc-service/internal/core"
	"gonum.org/v1/gonum/floats"
)

// Quality is a compatibility tier for a pair of speakers.
type Quality string

// Compatibility tiers, from least to most suitable for conversion.
const (
	QualityCritical Quality = "CRITICAL"
	QualityPoor     Quality = "POOR"
	QualityModerate Quality = "MODERATE"
	QualityGood     Quality = "GOOD"
)

// Tier thresholds. A similarity strictly above a threshold falls into the
// tier it names.
const (
	CriticalThreshold = 0.95
	PoorThreshold     = 0.85
	ModerateThreshold = 0.70
)

var recommendations = map[Quality]string{
	QualityCritical: "Not recommended. Speaker embeddings are nearly identical.",
	QualityPoor:     "Conversion will be very subtle.",
	QualityModerate: "Conversion may be subtle but perceptible.",
	QualityGood:     "Good separation for effective conversion.",
}

// Compatibility is the answer to a pairwise compatibility query.
type Compatibility struct {
	Similarity     float64 `json:"similarity"`
	Quality        Quality `json:"quality"`
	Recommendation string  `json:"recommendation"`
	Speaker1       string  `json:"speaker1"`
	Speaker2       string  `json:"speaker2"`
}

// Classify maps a cosine similarity onto a tier and its recommendation.
func Classify(similarity float64) (Quality, string) {
	var quality Quality

	switch {
	case similarity > CriticalThreshold:
		quality = QualityCritical
	case similarity > PoorThreshold:
		quality = QualityPoor
	case similarity > ModerateThreshold:
		quality = QualityModerate
	default:
		quality = QualityGood
	}

	return quality, recommendations[quality]
}

// CosineSimilarity compares two flattened embeddings. Mismatched or zero
// vectors compare as 0.
func CosineSimilarity(a, b core.Embedding) float64 {
	if len(a.Vector) == 0 || len(a.Vector) != len(b.Vector) {
		return 0
	}

	normA := floats.Norm(a.Vector, 2)
	normB := floats.Norm(b.Vector, 2)

	if normA == 0 || normB == 0 {
		return 0
	}

	return floats.Dot(a.Vector, b.Vector) / (normA * normB)
}

// Distance returns the Euclidean distance between two embeddings, or -1 when
// their sizes differ.
func Distance(a, b core.Embedding) float64 {
	if len(a.Vector) != len(b.Vector) {
		return -1
	}

	return floats.Distance(a.Vector, b.Vector, 2)
}
