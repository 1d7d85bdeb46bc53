// Package spl is a small defeasible-rule theory evaluator: facts,
// strict rules that always apply when their antecedent holds, and
// defeasible rules that apply by default but can be overridden by a
// higher-or-equal-priority rule concluding the opposite. It is a
// Go-native reimplementation of the composed static/translated/projected
// rule theory the supervisor's policy layer evaluates every tick; no
// syntax is parsed from text, rules are built directly with the
// constructors below.
package spl

import (
	"fmt"
	"sort"
	"strings"
)

// Literal is a predicate applied to terms. A term is either a constant
// or a variable (conventionally prefixed "?"); Negated marks a rule
// head as concluding the negation of the literal rather than the
// literal itself.
type Literal struct {
	Pred    string
	Args    []string
	Negated bool
}

// L is a convenience constructor for a positive literal.
func L(pred string, args ...string) Literal {
	return Literal{Pred: pred, Args: args}
}

// Not is a convenience constructor for a negated literal (only valid as
// a rule head; negation is not supported in rule bodies, matching the
// composed-facts style the caller uses: negative conditions are
// resolved into positive "given" facts before they reach the theory).
func Not(pred string, args ...string) Literal {
	return Literal{Pred: pred, Args: args, Negated: true}
}

func isVar(term string) bool {
	return strings.HasPrefix(term, "?")
}

func (l Literal) key(args []string) string {
	return l.Pred + "(" + strings.Join(args, ",") + ")"
}

// Rule is a strict ("always") or defeasible ("default") inference.
type Rule struct {
	Name       string
	Defeasible bool
	Priority   int
	Body       []Literal
	Head       Literal
}

type binding map[string]string

func (b binding) resolve(term string) string {
	if isVar(term) {
		if v, ok := b[term]; ok {
			return v
		}
	}
	return term
}

func (b binding) extend(term, value string) (binding, bool) {
	if !isVar(term) {
		return b, term == value
	}
	if existing, ok := b[term]; ok {
		return b, existing == value
	}
	next := make(binding, len(b)+1)
	for k, v := range b {
		next[k] = v
	}
	next[term] = value
	return next, true
}

// Theory holds the ground facts (from "given" assertions and rule
// derivation) and the rule set to evaluate against them.
type Theory struct {
	facts map[string]bool // "pred(arg,arg)" -> true, derived positive facts
	rules []Rule
}

// NewTheory returns an empty theory.
func NewTheory() *Theory {
	return &Theory{facts: map[string]bool{}}
}

// Given asserts a ground fact directly, bypassing rule derivation. Used
// for the per-tick projected facts and static axioms.
func (t *Theory) Given(pred string, args ...string) {
	t.facts[L(pred, args...).key(args)] = true
}

// Always adds a strict rule: applies unconditionally whenever its body
// is satisfied, and can never be defeated by a defeasible rule.
func (t *Theory) Always(name string, head Literal, body ...Literal) {
	t.rules = append(t.rules, Rule{Name: name, Defeasible: false, Priority: 0, Body: body, Head: head})
}

// Default adds a defeasible rule at the given priority: applies by
// default when its body is satisfied, but is overridden by any strict
// rule, or any defeasible rule of equal-or-higher priority, that
// concludes the opposite polarity of the same literal.
func (t *Theory) Default(name string, priority int, head Literal, body ...Literal) {
	t.rules = append(t.rules, Rule{Name: name, Defeasible: true, Priority: priority, Body: body, Head: head})
}

type conclusion struct {
	rule    Rule
	ground  string // instantiated key, e.g. "claimable(T1)"
	negated bool
}

func (c conclusion) beats(other conclusion) bool {
	if c.rule.Defeasible != other.rule.Defeasible {
		return !c.rule.Defeasible // strict beats defeasible
	}
	return c.rule.Priority >= other.rule.Priority
}

// Derive runs the fixpoint evaluation: repeatedly finds rule bodies
// satisfied by the current fact set, resolves any conflicting
// conclusions by precedence (strict over defeasible, then priority),
// and adds winning positive conclusions to the fact set, until no
// change occurs.
func (t *Theory) Derive() {
	for {
		changed := false
		winners := map[string]conclusion{}  // ground key -> best positive conclusion seen this pass
		losers := map[string]conclusion{}    // ground key -> best negative conclusion seen this pass

		for _, rule := range t.rules {
			for _, b := range t.matchBody(rule.Body, binding{}) {
				groundArgs := make([]string, len(rule.Head.Args))
				for i, a := range rule.Head.Args {
					groundArgs[i] = b.resolve(a)
				}
				key := rule.Head.Pred + "(" + strings.Join(groundArgs, ",") + ")"
				c := conclusion{rule: rule, ground: key, negated: rule.Head.Negated}
				if c.negated {
					if existing, ok := losers[key]; !ok || c.beats(existing) {
						losers[key] = c
					}
				} else {
					if existing, ok := winners[key]; !ok || c.beats(existing) {
						winners[key] = c
					}
				}
			}
		}

		for key, win := range winners {
			if lose, ok := losers[key]; ok && lose.beats(win) {
				continue // negation wins or ties: literal stays undecided
			}
			if !t.facts[key] {
				t.facts[key] = true
				changed = true
			}
		}

		if !changed {
			return
		}
	}
}

// matchBody returns all bindings that satisfy every literal in body
// against the current fact set, via a naive left-to-right join.
func (t *Theory) matchBody(body []Literal, start binding) []binding {
	bindings := []binding{start}
	for _, lit := range body {
		var next []binding
		for _, b := range bindings {
			next = append(next, t.matchLiteral(lit, b)...)
		}
		bindings = next
		if len(bindings) == 0 {
			return nil
		}
	}
	return bindings
}

func (t *Theory) matchLiteral(lit Literal, b binding) []binding {
	var out []binding
	for key := range t.facts {
		pred, args := parseKey(key)
		if pred != lit.Pred || len(args) != len(lit.Args) {
			continue
		}
		cur := b
		ok := true
		for i, term := range lit.Args {
			var good bool
			cur, good = cur.extend(term, args[i])
			if !good {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, cur)
		}
	}
	return out
}

func parseKey(key string) (string, []string) {
	open := strings.IndexByte(key, '(')
	if open < 0 {
		return key, nil
	}
	pred := key[:open]
	inner := key[open+1 : len(key)-1]
	if inner == "" {
		return pred, nil
	}
	return pred, strings.Split(inner, ",")
}

// Provable reports whether pred(args...) is in the derived fact set.
func (t *Theory) Provable(pred string, args ...string) bool {
	return t.facts[L(pred, args...).key(args)]
}

// Facts returns a sorted snapshot of all ground facts, for debugging and
// tests.
func (t *Theory) Facts() []string {
	out := make([]string, 0, len(t.facts))
	for k := range t.facts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String renders the theory's rule set for diagnostics.
func (t *Theory) String() string {
	var b strings.Builder
	for _, r := range t.rules {
		kind := "always"
		if r.Defeasible {
			kind = fmt.Sprintf("default[%d]", r.Priority)
		}
		fmt.Fprintf(&b, "(%s %s ... -> %s)\n", kind, r.Name, r.Head.Pred)
	}
	return b.String()
}
