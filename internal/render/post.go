package render

// Limiter is a two-stage power limiter applied to the output before it is
// encoded for the device:
// 1) per-key white cap: scales (R,G,B) so R+G+B <= WhiteCap (3.0 = no cap)
// 2) global current budget: estimates current and scales the whole frame to
//    stay under BudgetMA, softly from Knee*BudgetMA upwards.
//
// A zero Limiter does nothing.
type Limiter struct {
	WhiteCap float64 // sum of channels cap in linear space
	ChanMA   float64 // mA per color channel at full scale; WS2812 ≈ 20
	BudgetMA float64 // global budget in mA; 0 disables the second stage
	Knee     float64 // fraction of budget where soft limiting begins
}

// Enabled reports whether Apply would change anything.
func (l Limiter) Enabled() bool {
	return (l.WhiteCap > 0 && l.WhiteCap < 3) || l.BudgetMA > 0
}

// Apply limits g in place.
func (l Limiter) Apply(g Grid) {
	if l.WhiteCap > 0 && l.WhiteCap < 3 {
		wc := float32(l.WhiteCap)
		for i := range g {
			s := g[i].R + g[i].G + g[i].B
			if s > wc && s > 0 {
				scale := wc / s
				g[i].R *= scale
				g[i].G *= scale
				g[i].B *= scale
			}
		}
	}

	if l.BudgetMA <= 0 {
		return
	}
	chanMA := l.ChanMA
	if chanMA <= 0 {
		chanMA = 20
	}
	knee := l.Knee
	if knee <= 0 || knee >= 1 {
		knee = 0.9
	}

	total := EstimateCurrent(g, chanMA)
	if total <= 0 {
		return
	}
	ratio := total / l.BudgetMA
	if ratio <= knee {
		return
	}
	if ratio <= 1 {
		// map ratio in [knee,1] to scale in [1, budget/total]
		minS := l.BudgetMA / total
		t := (ratio - knee) / (1 - knee)
		scale(g, float32(1-t*(1-minS)))
		return
	}
	scale(g, float32(l.BudgetMA/total))
}

// EstimateCurrent returns the estimated draw of g in mA.
func EstimateCurrent(g Grid, chanMA float64) float64 {
	var total float64
	cm := float32(chanMA)
	for i := range g {
		total += float64((g[i].R + g[i].G + g[i].B) * cm)
	}
	return total
}

func scale(g Grid, s float32) {
	if s >= 1 {
		return
	}
	for i := range g {
		g[i].R *= s
		g[i].G *= s
		g[i].B *= s
	}
}
