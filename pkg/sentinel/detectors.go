package sentinel

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/veritas/pkg/ledger"
)

//go:embed rules.schema.json
var rulesSchema string

const rulesSchemaURL = "https://veritas.dev/schemas/sentinel-rules.schema.json"

var ErrInvalidRules = errors.New("sentinel: invalid rules file")

// RuleSpec is one detector in a rules file.
type RuleSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Severity Severity `yaml:"severity" json:"severity"`
	Reason   string   `yaml:"reason,omitempty" json:"reason,omitempty"`
	// Target is a CEL expression for the finding's target. It defaults to
	// the entry's agent id.
	Target   string `yaml:"target,omitempty" json:"target,omitempty"`
	Expr     string `yaml:"expr" json:"expr"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// RulesFile is the on-disk detector list.
type RulesFile struct {
	Version int        `yaml:"version" json:"version"`
	Rules   []RuleSpec `yaml:"rules" json:"rules"`
}

// CELRule evaluates a boolean CEL expression over the variable "entry".
//
// entry has the keys id, seq, agent_id, action, amount (double), details
// (map), ref and created_at (timestamp).
type CELRule struct {
	spec   RuleSpec
	match  cel.Program
	target cel.Program
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

// CompileRule compiles spec. The match expression must be boolean and the
// target expression, if any, a string.
func CompileRule(env *cel.Env, spec RuleSpec) (*CELRule, error) {
	match, err := compile(env, spec.Expr, cel.BoolType)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
	}
	r := &CELRule{spec: spec, match: match}
	if spec.Target != "" {
		if r.target, err = compile(env, spec.Target, cel.StringType); err != nil {
			return nil, fmt.Errorf("rule %s target: %w", spec.Name, err)
		}
	}
	return r, nil
}

func compile(env *cel.Env, expr string, want *cel.Type) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(want) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want %s", ast.OutputType(), want)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return prg, nil
}

func (r *CELRule) Name() string { return r.spec.Name }

func (r *CELRule) Check(window []ledger.Entry) ([]Finding, error) {
	return eachEntry(window, r.CheckEntry)
}

// CheckEntry evaluates the rule against one entry.
func (r *CELRule) CheckEntry(e ledger.Entry) (Finding, bool, error) {
	activation := map[string]any{"entry": entryVars(e)}
	out, _, err := r.match.Eval(activation)
	if err != nil {
		// Missing keys in details are normal; treat them as no match.
		return Finding{}, false, nil
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return Finding{}, false, fmt.Errorf("rule %s: result not boolean", r.spec.Name)
	}
	if !hit {
		return Finding{}, false, nil
	}

	target := e.AgentID
	if r.target != nil {
		tv, _, err := r.target.Eval(activation)
		if err == nil {
			if s, ok := tv.Value().(string); ok && s != "" {
				target = s
			}
		}
	}
	reason := r.spec.Reason
	if reason == "" {
		reason = "matched " + r.spec.Expr
	}
	return Finding{
		Rule:     r.spec.Name,
		Severity: r.spec.Severity,
		Reason:   reason,
		Target:   target,
		EntryID:  e.ID,
		Seq:      e.Seq,
	}, true, nil
}

func entryVars(e ledger.Entry) map[string]any {
	details := map[string]any(e.Details)
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"id":         e.ID,
		"seq":        int64(e.Seq),
		"agent_id":   e.AgentID,
		"action":     string(e.Action),
		"amount":     e.Amount.Float64(),
		"details":    details,
		"ref":        e.Ref,
		"created_at": e.CreatedAt.UTC().Truncate(time.Microsecond),
	}
}

// ParseRules validates data (YAML or JSON) against the rules schema and
// compiles every enabled rule, in file order.
func ParseRules(data []byte) ([]Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var rules []Rule
	for _, spec := range file.Rules {
		if seen[spec.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRules, spec.Name)
		}
		seen[spec.Name] = true
		if spec.Disabled {
			continue
		}
		r, err := CompileRule(env, spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRules reads and parses a rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(rulesSchemaURL, bytes.NewReader([]byte(rulesSchema))); err != nil {
		return nil, fmt.Errorf("rules schema load failed: %w", err)
	}
	s, err := c.Compile(rulesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("rules schema compile failed: %w", err)
	}
	return s, nil
}
