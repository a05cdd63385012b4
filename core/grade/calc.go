package grade

import (
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
)

const (
	MinScore = 0.0
	MaxScore = 10.0
)

// LetterBand maps a TBMH lower bound to a letter label.
type LetterBand struct {
	Min   float64
	Label string
}

// letterBands is evaluated highest bound first.
var letterBands = []LetterBand{
	{8.5, "A"},
	{7.0, "B"},
	{5.5, "C"},
	{4.0, "D"},
	{0.0, "F"},
}

// Calculator derives TBKT, TBMH, letter grade and pass flag from raw scores.
// It is pure: same inputs, same outputs, no side effects.
type Calculator struct {
	FinalWeight      float64
	ContinuousWeight float64
	PassThreshold    float64
}

func NewCalculator(conf *core.Config) Calculator {
	return Calculator{
		FinalWeight:      conf.Grading.FinalWeight,
		ContinuousWeight: conf.Grading.ContinuousWeight,
		PassThreshold:    conf.Grading.PassThreshold,
	}
}

// CheckRange rejects any present score outside [MinScore, MaxScore].
func (c Calculator) CheckRange(field string, ss ScoreSet) error {
	for key, score := range ss {
		// negated form so NaN fails the check too
		if score.Valid && !(score.Float64 >= MinScore && score.Float64 <= MaxScore) {
			return core.NewValidationError(
				errors.New("score out of range"),
				core.FieldError{Field: field + "." + key, Error: "score must be between 0 and 10"},
			)
		}
	}
	return nil
}

// CheckScoreRange rejects a present single score outside [MinScore, MaxScore].
func (c Calculator) CheckScoreRange(field string, score null.Float64) error {
	if score.Valid && !(score.Float64 >= MinScore && score.Float64 <= MaxScore) {
		return core.NewValidationError(
			errors.New("score out of range"),
			core.FieldError{Field: field, Error: "score must be between 0 and 10"},
		)
	}
	return nil
}

// TBKT is the arithmetic mean of the present periodic (DK) scores.
// Undefined - not zero - when none are present.
func (c Calculator) TBKT(dk ScoreSet) null.Float64 {
	present := dk.Present()
	if len(present) == 0 {
		return null.Float64{}
	}
	var sum float64
	for _, s := range present {
		sum += s
	}
	return null.Float64From(sum / float64(len(present)))
}

// TBMH is the weighted subject average. Undefined if either operand is.
func (c Calculator) TBMH(tbkt, final null.Float64) null.Float64 {
	if !tbkt.Valid || !final.Valid {
		return null.Float64{}
	}
	return null.Float64From(final.Float64*c.FinalWeight + tbkt.Float64*c.ContinuousWeight)
}

// Letter evaluates the band table against TBMH, highest bound first.
func (c Calculator) Letter(tbmh null.Float64) string {
	if !tbmh.Valid {
		return ""
	}
	for _, band := range letterBands {
		if tbmh.Float64 >= band.Min {
			return band.Label
		}
	}
	return letterBands[len(letterBands)-1].Label
}

// Passed applies all three gates: TBKT, final and TBMH must each reach the
// threshold. Undefined while any operand is.
func (c Calculator) Passed(tbkt, final, tbmh null.Float64) null.Bool {
	if !tbkt.Valid || !final.Valid || !tbmh.Valid {
		return null.Bool{}
	}
	passed := tbkt.Float64 >= c.PassThreshold &&
		final.Float64 >= c.PassThreshold &&
		tbmh.Float64 >= c.PassThreshold
	return null.BoolFrom(passed)
}

// DeriveContinuous recomputes TBKT from the record's DK scores.
func (c Calculator) DeriveContinuous(rec *Record) {
	rec.TBKT = c.TBKT(rec.DkScores)
}

// DeriveFinal recomputes TBMH, letter grade and pass flag from the record's
// (possibly frozen) TBKT and final score. TBKT itself is left untouched.
func (c Calculator) DeriveFinal(rec *Record) {
	rec.TBMH = c.TBMH(rec.TBKT, rec.FinalScore)
	rec.LetterGrade = c.Letter(rec.TBMH)
	rec.IsPassed = c.Passed(rec.TBKT, rec.FinalScore, rec.TBMH)
}
