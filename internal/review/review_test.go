package review

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(xmin, ymin, xmax, ymax float64, label string) model.BoundingBox {
	return model.BoundingBox{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax, Label: label}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 0.5, opts.Threshold)
	assert.Equal(t, 0.75, opts.ConfidenceThreshold)
}

func TestEvaluate_NeedsReview(t *testing.T) {
	mole := box(0, 0, 10, 10, "mole")

	tests := []struct {
		name        string
		detections  []model.BoundingBox
		corrections []model.BoundingBox
		want        bool
	}{
		{
			name: "both empty",
			want: false,
		},
		{
			name:        "perfect agreement",
			detections:  []model.BoundingBox{mole.WithConfidence(0.9)},
			corrections: []model.BoundingBox{mole},
			want:        false,
		},
		{
			name:        "label case is ignored",
			detections:  []model.BoundingBox{box(0, 0, 10, 10, "Mole")},
			corrections: []model.BoundingBox{box(0, 0, 10, 10, "MOLE")},
			want:        false,
		},
		{
			name:        "missed detection",
			corrections: []model.BoundingBox{mole},
			want:        true,
		},
		{
			name:       "low confidence false positive alone",
			detections: []model.BoundingBox{mole.WithConfidence(0.4)},
			want:       false,
		},
		{
			name:       "false positive without confidence",
			detections: []model.BoundingBox{mole},
			want:       false,
		},
		{
			name:       "high confidence removal",
			detections: []model.BoundingBox{mole.WithConfidence(0.9)},
			want:       true,
		},
		{
			name:       "confidence exactly at threshold",
			detections: []model.BoundingBox{mole.WithConfidence(0.75)},
			want:       true,
		},
		{
			name:        "classification difference",
			detections:  []model.BoundingBox{box(0, 0, 10, 10, "mole")},
			corrections: []model.BoundingBox{box(0, 0, 10, 10, "melanoma")},
			want:        true,
		},
		{
			name:        "significant geometric difference",
			detections:  []model.BoundingBox{box(0, 0, 10, 10, "mole")},
			corrections: []model.BoundingBox{box(6, 0, 16, 10, "mole")},
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Evaluate(tt.detections, tt.corrections, DefaultOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.NeedsReview)
		})
	}
}

func TestEvaluate_Summary(t *testing.T) {
	detections := []model.BoundingBox{
		box(0, 0, 10, 10, "mole").WithConfidence(0.8),
		box(100, 100, 110, 110, "mole").WithConfidence(0.95),
		box(200, 200, 210, 210, "freckle").WithConfidence(0.3),
		box(300, 0, 310, 10, "mole").WithConfidence(0.6),
	}
	corrections := []model.BoundingBox{
		box(0, 0, 10, 10, "mole"),
		box(300, 0, 310, 10, "melanoma"),
		box(500, 500, 520, 520, "mole"),
	}

	rec, err := Evaluate(detections, corrections, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, model.Summary{
		AIPredictionCount:             4,
		FeedbackPredictionCount:       3,
		MatchCount:                    2,
		SignificantDifferenceCount:    0,
		MissedDetectionCount:          1,
		FalsePositiveCount:            2,
		ClassificationDifferenceCount: 1,
		HighConfidenceRemovalCount:    1,
	}, rec.Summary)

	require.Len(t, rec.ClassificationDifferences, 1)
	assert.Equal(t, "mole", rec.ClassificationDifferences[0].DetectionLabel)
	assert.Equal(t, "melanoma", rec.ClassificationDifferences[0].CorrectionLabel)

	require.Len(t, rec.HighConfidenceRemovals, 1)
	assert.Equal(t, 0.95, rec.HighConfidenceRemovals[0].Confidence)
	assert.Equal(t, detections[1], rec.HighConfidenceRemovals[0].Detection)

	assert.True(t, rec.NeedsReview)
}

func TestEvaluate_CountsAreConsistent(t *testing.T) {
	detections := []model.BoundingBox{
		box(0, 0, 10, 10, "a"),
		box(5, 5, 15, 15, "b"),
		box(40, 40, 60, 60, "c").WithConfidence(0.99),
	}
	corrections := []model.BoundingBox{
		box(1, 1, 11, 11, "a"),
		box(80, 80, 90, 90, "d"),
	}

	rec, err := Evaluate(detections, corrections, DefaultOptions())
	require.NoError(t, err)

	s := rec.Summary
	assert.Equal(t, s.AIPredictionCount, s.MatchCount+s.FalsePositiveCount)
	assert.Equal(t, s.FeedbackPredictionCount, s.MatchCount+s.MissedDetectionCount)
	assert.LessOrEqual(t, s.SignificantDifferenceCount, s.MatchCount)
	assert.LessOrEqual(t, s.ClassificationDifferenceCount, s.MatchCount)
	assert.LessOrEqual(t, s.HighConfidenceRemovalCount, s.FalsePositiveCount)
}

func TestEvaluate_Idempotent(t *testing.T) {
	detections := []model.BoundingBox{
		box(0, 0, 10, 10, "mole").WithConfidence(0.9),
		box(30, 30, 45, 50, "freckle").WithConfidence(0.8),
	}
	corrections := []model.BoundingBox{
		box(2, 1, 12, 10, "mole"),
		box(70, 70, 80, 80, "mole"),
	}

	first, err := Evaluate(detections, corrections, DefaultOptions())
	require.NoError(t, err)
	second, err := Evaluate(detections, corrections, DefaultOptions())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestEvaluate_EmptyListsSerializeAsArrays(t *testing.T) {
	rec, err := Evaluate(nil, nil, DefaultOptions())
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	for _, key := range []string{
		"matches", "significant_differences", "missed_detections",
		"false_positives", "classification_differences", "high_confidence_removals",
	} {
		assert.Equal(t, []any{}, out[key], key)
	}
	assert.Equal(t, false, out["needs_review"])
}

func TestEvaluate_RejectsInvalidBoxes(t *testing.T) {
	tests := []struct {
		name        string
		detections  []model.BoundingBox
		corrections []model.BoundingBox
		wantSet     string
		wantIndex   int
	}{
		{
			name:       "NaN detection coordinate",
			detections: []model.BoundingBox{box(0, 0, 10, 10, ""), box(math.NaN(), 0, 10, 10, "")},
			wantSet:    model.SetDetection,
			wantIndex:  1,
		},
		{
			name:        "infinite correction coordinate",
			corrections: []model.BoundingBox{box(0, 0, math.Inf(1), 10, "")},
			wantSet:     model.SetCorrection,
			wantIndex:   0,
		},
		{
			name:       "confidence above one",
			detections: []model.BoundingBox{box(0, 0, 10, 10, "").WithConfidence(1.5)},
			wantSet:    model.SetDetection,
			wantIndex:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Evaluate(tt.detections, tt.corrections, DefaultOptions())
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, model.ErrInvalidBox)

			var boxErr *model.BoxError
			require.True(t, errors.As(err, &boxErr))
			assert.Equal(t, tt.wantSet, boxErr.Set)
			assert.Equal(t, tt.wantIndex, boxErr.Index)
		})
	}
}

func TestEvaluate_ConfidenceThresholdIsConfigurable(t *testing.T) {
	detections := []model.BoundingBox{box(0, 0, 10, 10, "mole").WithConfidence(0.6)}

	strict, err := Evaluate(detections, nil, Options{Threshold: 0.5, ConfidenceThreshold: 0.5})
	require.NoError(t, err)
	lenient, err := Evaluate(detections, nil, DefaultOptions())
	require.NoError(t, err)

	assert.True(t, strict.NeedsReview)
	assert.Len(t, strict.HighConfidenceRemovals, 1)
	assert.False(t, lenient.NeedsReview)
	assert.Empty(t, lenient.HighConfidenceRemovals)
}
