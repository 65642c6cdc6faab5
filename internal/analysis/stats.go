package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// BenjaminiHochberg returns the step-up FDR q-value for each p-value, in
// input order. NaN p-values yield NaN and are excluded from the count.
func BenjaminiHochberg(p []float64) []float64 {
	q := make([]float64, len(p))
	order := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			q[i] = math.NaN()
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })
	m := float64(len(order))
	prev := 1.0
	for rank := len(order); rank >= 1; rank-- {
		i := order[rank-1]
		v := math.Min(p[i]*m/float64(rank), prev)
		q[i] = v
		prev = v
	}
	return q
}

// oneWayANOVA tests whether the group means differ. ok is false when there
// are fewer than two non-empty groups, no residual degrees of freedom, or no
// within-group variance.
func oneWayANOVA(groups [][]float64) (f float64, df1, df2 int, p float64, ok bool) {
	var all []float64
	k := 0
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		k++
		all = append(all, g...)
	}
	n := len(all)
	if k < 2 || n <= k {
		return 0, 0, 0, 0, false
	}
	grand := stat.Mean(all, nil)
	var ssb, ssw float64
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		m := stat.Mean(g, nil)
		ssb += float64(len(g)) * (m - grand) * (m - grand)
		for _, v := range g {
			ssw += (v - m) * (v - m)
		}
	}
	if ssw <= 0 {
		return 0, 0, 0, 0, false
	}
	df1, df2 = k-1, n-k
	f = (ssb / float64(df1)) / (ssw / float64(df2))
	p = distuv.F{D1: float64(df1), D2: float64(df2)}.Survival(f)
	return f, df1, df2, p, true
}

// pearsonTest returns the correlation of x and y with its two-sided p-value.
func pearsonTest(x, y []float64) (r, p float64, ok bool) {
	n := len(x)
	if n < 3 || n != len(y) {
		return 0, 0, false
	}
	r = stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0, 0, false
	}
	if math.Abs(r) >= 1 {
		return r, 0, true
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	p = 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(math.Abs(t))
	return r, math.Min(p, 1), true
}
