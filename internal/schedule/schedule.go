// Package schedule turns a specification total into ordered payment milestones.
package schedule

import (
	"fmt"
	"math"
	"strings"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

// PaymentModel is the closed set of pricing-schedule variants.
type PaymentModel int

const (
	Standard PaymentModel = iota
	FullPre
	Zero
)

func (m PaymentModel) String() string {
	switch m {
	case Standard:
		return "standard"
	case FullPre:
		return "full_pre"
	case Zero:
		return "zero"
	}
	return fmt.Sprintf("PaymentModel(%d)", int(m))
}

// ParseModel maps a specification payment model id onto the enum. Unknown and empty ids
// fall back to Standard.
func ParseModel(id string) PaymentModel {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(id))
	switch norm {
	case "fullpre", "fullprepayment", "prepaid":
		return FullPre
	case "zero", "even":
		return Zero
	default:
		return Standard
	}
}

// Stage keys the calculator knows about, in production order.
const (
	StageBriefing  = "briefing"
	StageMoodboard = "moodboard"
	StageSymbols   = "symbols"
	StageUI        = "ui"
	StageAnimation = "animation"
	StageDelivery  = "delivery"
)

var productionOrder = []string{StageBriefing, StageMoodboard, StageSymbols, StageUI, StageAnimation, StageDelivery}

const UpfrontMilestoneID = "upfront"

type Milestone struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	StageKey string `json:"stage_key,omitempty"`
	Order    int    `json:"order"`
	Percent  int    `json:"percent"`
	Amount   int64  `json:"amount"`
}

// Input is everything the calculator needs; it has no other dependencies.
type Input struct {
	GrandTotal     int64
	Model          PaymentModel
	Items          []domain.SpecItem
	UpfrontPercent int
	// StageName resolves display names; nil uses the stage key.
	StageName func(key string) string
}

// ActiveStages returns the production stages the items require, in stage order.
func ActiveStages(items []domain.SpecItem) []string {
	symbols, animation := false, false
	for _, it := range items {
		symbols = symbols || it.Symbols
		animation = animation || it.Animation
	}
	var out []string
	for _, key := range productionOrder {
		switch key {
		case StageSymbols:
			if !symbols {
				continue
			}
		case StageAnimation:
			if !animation {
				continue
			}
		}
		out = append(out, key)
	}
	return out
}

// PayableStages is ActiveStages without briefing.
func PayableStages(items []domain.SpecItem) []string {
	var out []string
	for _, key := range ActiveStages(items) {
		if key != StageBriefing {
			out = append(out, key)
		}
	}
	return out
}

// Calculate computes the milestones. Amounts always sum to GrandTotal exactly; the
// displayed percentages are rounded and may not sum to 100.
func Calculate(in Input) ([]Milestone, error) {
	if in.GrandTotal < 0 {
		return nil, fmt.Errorf("grand total must not be negative")
	}
	name := in.StageName
	if name == nil {
		name = func(key string) string { return key }
	}
	payable := PayableStages(in.Items)
	var out []Milestone
	switch in.Model {
	case FullPre:
		out = append(out, Milestone{
			ID:      "full",
			Name:    "Full Prepayment",
			Percent: 100,
			Amount:  in.GrandTotal,
		})
	case Zero:
		out = append(out, split(in.GrandTotal, 100, payable, name)...)
	case Standard:
		pct := in.UpfrontPercent
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("upfront percent %d outside 0..100", pct)
		}
		upfront := percentOf(in.GrandTotal, pct)
		out = append(out, Milestone{
			ID:      UpfrontMilestoneID,
			Name:    "Upfront Payment",
			Percent: pct,
			Amount:  upfront,
		})
		out = append(out, split(in.GrandTotal-upfront, 100-pct, payable, name)...)
	default:
		return nil, fmt.Errorf("unsupported payment model %s", in.Model)
	}
	for i := range out {
		out[i].Order = i + 1
	}
	return out, nil
}

// split divides amount evenly over stages. The remainder of the integer division goes to
// the final stage so the parts add back up to amount.
func split(amount int64, percent int, stages []string, name func(string) string) []Milestone {
	n := len(stages)
	if n == 0 {
		return nil
	}
	share := amount / int64(n)
	rem := amount - share*int64(n)
	displayPct := int(math.Round(float64(percent) / float64(n)))
	out := make([]Milestone, 0, n)
	for i, key := range stages {
		amt := share
		if i == n-1 {
			amt += rem
		}
		out = append(out, Milestone{
			ID:       key,
			Name:     name(key),
			StageKey: key,
			Percent:  displayPct,
			Amount:   amt,
		})
	}
	return out
}

// percentOf rounds half up in integer arithmetic.
func percentOf(total int64, pct int) int64 {
	return (total*int64(pct) + 50) / 100
}

// Total sums milestone amounts.
func Total(ms []Milestone) int64 {
	var sum int64
	for _, m := range ms {
		sum += m.Amount
	}
	return sum
}
