package trust

import "math"

// chiSquareSurvival returns P(X >= chi2) for a χ² distribution with df
// degrees of freedom, i.e. the regularized upper incomplete gamma
// Q(df/2, chi2/2).
func chiSquareSurvival(chi2, df float64) float64 {
	if chi2 <= 0 || df <= 0 {
		return 1
	}
	return gammaQ(df/2, chi2/2)
}

// gammaQ computes the regularized upper incomplete gamma function by the
// series expansion for x < a+1 and the continued fraction otherwise.
func gammaQ(a, x float64) float64 {
	if x < 0 || a <= 0 {
		return 1
	}
	if x == 0 {
		return 1
	}
	if x < a+1 {
		return 1 - gammaSeriesP(a, x)
	}
	return gammaContinuedQ(a, x)
}

const (
	gammaMaxIterations = 200
	gammaEpsilon       = 3e-9
)

func gammaSeriesP(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	ap := a
	sum := 1.0 / a
	del := sum
	for i := 0; i < gammaMaxIterations; i++ {
		ap++
		del *= x / ap
		sum += del
		if math.Abs(del) < math.Abs(sum)*gammaEpsilon {
			break
		}
	}
	return sum * math.Exp(-x+a*math.Log(x)-lg)
}

func gammaContinuedQ(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	const tiny = 1e-30
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i <= gammaMaxIterations; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < gammaEpsilon {
			break
		}
	}
	return math.Exp(-x+a*math.Log(x)-lg) * h
}
