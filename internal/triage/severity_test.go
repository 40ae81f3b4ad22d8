package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestCalculate_NormalVitalsRecovering(t *testing.T) {
	res := Calculate(Vitals{
		HeartRate: f(72), SpO2: f(98), RespRate: f(16), Temperature: f(36.8),
		BPSystolic: f(120), BPDiastolic: f(80),
	})
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, Recovering, res.Condition)
	assert.Equal(t, "General", res.Ward)
	assert.Empty(t, res.RiskFactors)
	assert.Len(t, res.Breakdown, 5)
}

func TestCalculate_CriticalCappedAtTen(t *testing.T) {
	res := Calculate(Vitals{
		HeartRate: f(150), SpO2: f(80), RespRate: f(35), Temperature: f(41),
		BPSystolic: f(60), BPDiastolic: f(30),
	})
	assert.Equal(t, 10, res.Score)
	assert.Equal(t, 100, res.Percentage)
	assert.Equal(t, Critical, res.Condition)
	assert.Equal(t, "ICU", res.Ward)
	assert.Equal(t, "immediate", res.Urgency)
	assert.Equal(t, 3, res.Breakdown[4].Score, "blood pressure sub-score is capped")
}

func TestCalculate_Bands(t *testing.T) {
	cases := []struct {
		name  string
		v     Vitals
		score int
		cond  Condition
	}{
		{"mild tachycardia", Vitals{HeartRate: f(105)}, 1, Recovering},
		{"hypoxemia and fever", Vitals{SpO2: f(88), Temperature: f(38.5)}, 4, Stable},
		{"serious", Vitals{HeartRate: f(120), SpO2: f(91), RespRate: f(26)}, 5, Serious},
		{"missing values ignored", Vitals{HeartRate: f(0), SpO2: nil}, 0, Recovering},
		{"boundary 100 bpm normal", Vitals{HeartRate: f(100)}, 0, Recovering},
		{"diastolic only counts with systolic", Vitals{BPDiastolic: f(30)}, 0, Recovering},
		{"high diastolic", Vitals{BPSystolic: f(130), BPDiastolic: f(95)}, 1, Recovering},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Calculate(tc.v)
			assert.Equal(t, tc.score, res.Score)
			assert.Equal(t, tc.cond, res.Condition)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(Vitals{HeartRate: f(80), BPSystolic: f(120), BPDiastolic: f(80)}))

	errs := Validate(Vitals{Temperature: f(20), SpO2: f(101), BPSystolic: f(70), BPDiastolic: f(90)})
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "SpO2")
	assert.Contains(t, errs[1], "Temperature")
	assert.Contains(t, errs[2], "Systolic BP should be")
}

func TestTrend(t *testing.T) {
	assert.Equal(t, "worsening", Trend(3, 5, 0.5))
	assert.Equal(t, "improving", Trend(6, 4, 0))
	assert.Equal(t, "stable", Trend(4, 4.4, 0.5))
}
