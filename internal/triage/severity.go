// Package triage scores patient vital signs for ward allocation.
package triage

import (
	"fmt"
	"strings"
)

// Vitals holds optional readings. A nil or non-positive value contributes
// nothing to the score.
type Vitals struct {
	HeartRate   *float64 `json:"heartRate,omitempty"`
	SpO2        *float64 `json:"spo2,omitempty"`
	RespRate    *float64 `json:"respRate,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	BPSystolic  *float64 `json:"bpSystolic,omitempty"`
	BPDiastolic *float64 `json:"bpDiastolic,omitempty"`
}

type SubScore struct {
	Vital    string `json:"vital"`
	Score    int    `json:"score"`
	MaxScore int    `json:"maxScore"`
	Factor   string `json:"factor,omitempty"`
}

type Condition string

const (
	Critical   Condition = "Critical"
	Serious    Condition = "Serious"
	Stable     Condition = "Stable"
	Recovering Condition = "Recovering"
)

type Result struct {
	Score       int        `json:"score"`
	Condition   Condition  `json:"condition"`
	Ward        string     `json:"wardRecommendation"`
	RiskFactors []string   `json:"riskFactors"`
	Summary     string     `json:"summary"`
	Breakdown   []SubScore `json:"breakdown"`
	Percentage  int        `json:"percentage"`
	Urgency     string     `json:"urgency"`
}

const maxSubScore = 3

// band maps readings strictly below `below` (or at most `atMost`) to a score.
type band struct {
	below  float64
	atMost float64
	score  int
	factor string
}

func (b band) match(v float64) bool {
	if b.below != 0 {
		return v < b.below
	}
	return v <= b.atMost
}

var (
	heartRateBands = []band{
		{below: 40, score: 3, factor: "Severe bradycardia (HR < 40)"},
		{below: 50, score: 2, factor: "Bradycardia (HR 40-50)"},
		{below: 60, score: 1, factor: "Mild bradycardia (HR 50-60)"},
		{atMost: 100},
		{atMost: 110, score: 1, factor: "Mild tachycardia (HR 100-110)"},
		{atMost: 130, score: 2, factor: "Tachycardia (HR 110-130)"},
	}
	heartRateCeiling = band{score: 3, factor: "Severe tachycardia (HR > 130)"}

	spo2Bands = []band{
		{below: 85, score: 3, factor: "Critical hypoxemia (SpO2 < 85%)"},
		{below: 90, score: 2, factor: "Severe hypoxemia (SpO2 85-90%)"},
		{below: 94, score: 1, factor: "Mild hypoxemia (SpO2 90-94%)"},
	}

	respRateBands = []band{
		{below: 8, score: 3, factor: "Severe bradypnea (RR < 8)"},
		{below: 12, score: 1, factor: "Bradypnea (RR 8-12)"},
		{atMost: 20},
		{atMost: 24, score: 1, factor: "Mild tachypnea (RR 20-24)"},
		{atMost: 30, score: 2, factor: "Tachypnea (RR 24-30)"},
	}
	respRateCeiling = band{score: 3, factor: "Severe tachypnea (RR > 30)"}

	temperatureBands = []band{
		{below: 35, score: 3, factor: "Severe hypothermia (T < 35 C)"},
		{below: 36, score: 2, factor: "Hypothermia (T 35-36 C)"},
		{below: 36.5, score: 1, factor: "Mild hypothermia (T 36-36.5 C)"},
		{atMost: 37.5},
		{atMost: 38, score: 1, factor: "Low-grade fever (T 37.5-38 C)"},
		{atMost: 39, score: 2, factor: "Fever (T 38-39 C)"},
		{atMost: 40, score: 2, factor: "High fever (T 39-40 C)"},
	}
	temperatureCeiling = band{score: 3, factor: "Critical hyperthermia (T > 40 C)"}
)

func scoreBands(vital string, v *float64, bands []band, ceiling *band) SubScore {
	out := SubScore{Vital: vital, MaxScore: maxSubScore}
	if v == nil || *v <= 0 {
		return out
	}
	for _, b := range bands {
		if b.match(*v) {
			out.Score, out.Factor = b.score, b.factor
			return out
		}
	}
	if ceiling != nil {
		out.Score, out.Factor = ceiling.score, ceiling.factor
	}
	return out
}

func bloodPressureScore(sbp, dbp *float64) SubScore {
	out := SubScore{Vital: "Blood Pressure", MaxScore: maxSubScore}
	if sbp == nil || *sbp <= 0 {
		return out
	}
	var factors []string
	add := func(n int, f string) {
		out.Score += n
		factors = append(factors, f)
	}

	switch s := *sbp; {
	case s < 70:
		add(3, "Critical hypotension (SBP < 70)")
	case s < 90:
		add(2, "Hypotension (SBP 70-90)")
	case s < 100:
		add(1, "Mild hypotension (SBP 90-100)")
	case s > 180:
		add(3, "Hypertensive crisis (SBP > 180)")
	case s > 160:
		add(2, "Severe hypertension (SBP 160-180)")
	case s > 140:
		add(1, "Hypertension (SBP 140-160)")
	}

	if dbp != nil && *dbp > 0 {
		switch d := *dbp; {
		case d < 40:
			add(2, "Critical low DBP (< 40)")
		case d < 60:
			add(1, "Low DBP (40-60)")
		case d > 110:
			add(2, "Critical high DBP (> 110)")
		case d > 90:
			add(1, "High DBP (90-110)")
		}
	}

	if out.Score > maxSubScore {
		out.Score = maxSubScore
	}
	out.Factor = strings.Join(factors, ", ")
	return out
}

// Calculate scores the five vital groups (0-3 each) and caps the total at 10.
func Calculate(v Vitals) Result {
	breakdown := []SubScore{
		scoreBands("Heart Rate", v.HeartRate, heartRateBands, &heartRateCeiling),
		scoreBands("SpO2", v.SpO2, spo2Bands, nil),
		scoreBands("Respiratory Rate", v.RespRate, respRateBands, &respRateCeiling),
		scoreBands("Temperature", v.Temperature, temperatureBands, &temperatureCeiling),
		bloodPressureScore(v.BPSystolic, v.BPDiastolic),
	}

	total := 0
	risks := []string{}
	for _, s := range breakdown {
		total += s.Score
		if s.Factor != "" {
			risks = append(risks, s.Factor)
		}
	}
	if total > 10 {
		total = 10
	}

	res := classify(total)
	res.Score = total
	res.Percentage = total * 10
	res.RiskFactors = risks
	res.Breakdown = breakdown
	return res
}

func classify(score int) Result {
	switch {
	case score >= 8:
		return Result{Condition: Critical, Ward: "ICU", Urgency: "immediate",
			Summary: "Patient requires immediate intensive care with continuous monitoring"}
	case score >= 5:
		return Result{Condition: Serious, Ward: "HDU", Urgency: "urgent",
			Summary: "Patient needs high-dependency care with frequent monitoring"}
	case score >= 3:
		return Result{Condition: Stable, Ward: "General", Urgency: "routine",
			Summary: "Patient is stable and can be admitted to general ward"}
	default:
		return Result{Condition: Recovering, Ward: "General", Urgency: "low",
			Summary: "Patient shows good vital signs and is recovering well"}
	}
}

type limit struct {
	name   string
	lo, hi float64
	unit   string
}

var limits = []limit{
	{"Heart rate", 0, 300, "bpm"},
	{"SpO2", 0, 100, "%"},
	{"Respiratory rate", 0, 60, "breaths/min"},
	{"Temperature", 25, 45, "C"},
	{"Systolic BP", 0, 300, "mmHg"},
	{"Diastolic BP", 0, 200, "mmHg"},
}

// Validate reports implausible readings. An empty slice means valid.
func Validate(v Vitals) []string {
	values := []*float64{v.HeartRate, v.SpO2, v.RespRate, v.Temperature, v.BPSystolic, v.BPDiastolic}
	errs := []string{}
	for i, val := range values {
		l := limits[i]
		if val != nil && (*val < l.lo || *val > l.hi) {
			errs = append(errs, fmt.Sprintf("%s must be between %g and %g %s", l.name, l.lo, l.hi, l.unit))
		}
	}
	if v.BPSystolic != nil && v.BPDiastolic != nil && *v.BPSystolic < *v.BPDiastolic {
		errs = append(errs, "Systolic BP should be greater than or equal to diastolic BP")
	}
	return errs
}

// Trend compares two scores: "worsening", "improving" or "stable".
func Trend(previous, current, threshold float64) string {
	if threshold <= 0 {
		threshold = 0.5
	}
	switch diff := current - previous; {
	case diff > threshold:
		return "worsening"
	case diff < -threshold:
		return "improving"
	default:
		return "stable"
	}
}
