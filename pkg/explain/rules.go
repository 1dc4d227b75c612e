package explain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"
)

// Rule pairs a CEL condition with the phrase it contributes when true.
type Rule struct {
	ID        string
	Condition string
	Phrase    func(r Record) string
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Ruleset is an ordered, immutable list of compiled rules.
// Every matching rule contributes, in declaration order.
type Ruleset struct {
	rules []compiledRule
}

// DefaultRules returns the fixed rule order for transaction explanations.
// Unset optional fields arrive as *_set == false and never match.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "high_amount",
			Condition: `amount_set && amount > 5000.0`,
			Phrase: func(r Record) string {
				return "high amount of £" + formatAmount(*r.Amount)
			},
		},
		{
			ID:        "low_amount",
			Condition: `amount_set && !(amount > 5000.0) && amount < 1.0`,
			Phrase:    fixed("suspiciously low amount"),
		},
		{
			ID:        "odd_hour",
			Condition: `hour_set && (hour < 6.0 || hour > 22.0)`,
			Phrase: func(r Record) string {
				return fmt.Sprintf("odd hour: %d:00", int(*r.Hour))
			},
		},
		{
			ID:        "high_risk_merchant",
			Condition: `high_risk_merchant`,
			Phrase:    fixed("merchant flagged as high risk"),
		},
		{
			ID:        "distance_from_home",
			Condition: `distance_from_home`,
			Phrase:    fixed("customer was abroad"),
		},
		{
			ID:        "weekend_transaction",
			Condition: `weekend_transaction`,
			Phrase:    fixed("occurred during weekend"),
		},
	}
}

func fixed(phrase string) func(Record) string {
	return func(Record) string { return phrase }
}

// formatAmount renders v with two decimals, rounding the exact binary
// value half to even.
func formatAmount(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return exactDecimal(v).RoundBank(2).StringFixed(2)
}

// exactDecimal returns the decimal expansion of v without the shortest
// round-trip shortcut taken by decimal.NewFromFloat.
func exactDecimal(v float64) decimal.Decimal {
	frac, exp := math.Frexp(v)
	mant := big.NewInt(int64(math.Ldexp(frac, 53)))
	exp -= 53
	if exp >= 0 {
		return decimal.NewFromBigInt(mant.Lsh(mant, uint(exp)), 0)
	}
	// m * 2^e == m * 5^-e * 10^e
	pow := new(big.Int).Exp(big.NewInt(5), big.NewInt(int64(-exp)), nil)
	return decimal.NewFromBigInt(mant.Mul(mant, pow), int32(exp))
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_set", cel.BoolType),
		cel.Variable("hour", cel.DoubleType),
		cel.Variable("hour_set", cel.BoolType),
		cel.Variable("high_risk_merchant", cel.BoolType),
		cel.Variable("distance_from_home", cel.BoolType),
		cel.Variable("weekend_transaction", cel.BoolType),
	)
}

// NewRuleset compiles rules. Every condition must be a boolean expression.
func NewRuleset(rules []Rule) (*Ruleset, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &Ruleset{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s: condition must return bool, got %s", r.ID, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
		}
		if r.Phrase == nil {
			return nil, fmt.Errorf("rule %s has no phrase", r.ID)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, program: program})
	}
	return rs, nil
}

// MustNewRuleset is like NewRuleset but panics on error.
func MustNewRuleset(rules []Rule) *Ruleset {
	rs, err := NewRuleset(rules)
	if err != nil {
		panic(err)
	}
	return rs
}

// Reasons returns the phrases of all matching rules in rule order.
// A rule that fails to evaluate does not match; its error is returned
// joined with the others after every rule has run.
func (rs *Ruleset) Reasons(r Record) ([]string, error) {
	activation := r.activation()

	var (
		reasons []string
		errs    []error
	)
	for _, cr := range rs.rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", cr.rule.ID, err))
			continue
		}
		matched, ok := out.(types.Bool)
		if !ok {
			errs = append(errs, fmt.Errorf("rule %s: condition returned %s", cr.rule.ID, out.Type().TypeName()))
			continue
		}
		if matched {
			reasons = append(reasons, cr.rule.Phrase(r))
		}
	}
	return reasons, errors.Join(errs...)
}

// Explain renders the explanation for r. The text is still rendered from
// the rules that did evaluate when an error is returned.
func (rs *Ruleset) Explain(r Record) (string, error) {
	if !r.IsAnomaly {
		return NotAnomalous, nil
	}
	reasons, err := rs.Reasons(r)
	return Render(reasons), err
}
