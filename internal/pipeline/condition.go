package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/FRE-Studios/agentpipe/internal/state"
)

// Condition expressions gate a stage on prior stage outputs:
//
//	{{ stages.lint.outputs.issues == 0 }}
//	{{ stages.scan.outputs.severity != "high" && stages.scan.outputs.count < 5 }}
//	{{ stages.build.outputs.ok }}
//
// Supported operators: ==, !=, >, >=, <, <=. Clauses join with &&. A clause
// without an operator is a truthiness test. Evaluation is pure over the
// stage document; unknown paths make the clause false and produce a warning
// rather than an error, so a bad condition can never take down the
// scheduler.

// conditionDoc builds the JSON document conditions are evaluated against:
//
//	{"stages": {"<name>": {"status": "...", "outputs": {...}}, ...}}
func conditionDoc(stages []state.StageExecution) []byte {
	type stageView struct {
		Status  state.StageStatus `json:"status"`
		Outputs map[string]any    `json:"outputs,omitempty"`
	}
	doc := map[string]map[string]stageView{"stages": {}}
	for i := range stages {
		se := &stages[i]
		doc["stages"][se.StageName] = stageView{
			Status:  se.Status,
			Outputs: se.ExtractedData,
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"stages":{}}`)
	}
	return data
}

// EvalCondition evaluates a condition expression against the stage document.
// An empty expression is true. The returned warnings describe unresolvable
// paths or malformed clauses; any such clause evaluates to false.
func EvalCondition(expr string, doc []byte) (bool, []string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	inner := expr
	if strings.HasPrefix(inner, "{{") && strings.HasSuffix(inner, "}}") {
		inner = strings.TrimSpace(inner[2 : len(inner)-2])
	}
	if inner == "" {
		return true, nil
	}

	var warnings []string
	for _, clause := range strings.Split(inner, "&&") {
		ok, warn := evalClause(strings.TrimSpace(clause), doc)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if !ok {
			return false, warnings
		}
	}
	return true, warnings
}

// comparisonOps in scan order; two-character operators first so ">=" is not
// read as ">".
var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// evalClause evaluates one comparison or truthiness clause.
func evalClause(clause string, doc []byte) (bool, string) {
	if clause == "" {
		return false, "empty condition clause"
	}

	for _, op := range comparisonOps {
		idx := strings.Index(clause, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(clause[:idx])
		right := strings.TrimSpace(clause[idx+len(op):])

		lv := gjson.GetBytes(doc, left)
		if !lv.Exists() {
			return false, fmt.Sprintf("condition references unknown path %q", left)
		}
		return compare(lv, op, right)
	}

	// No operator: truthiness test on the path itself.
	v := gjson.GetBytes(doc, clause)
	if !v.Exists() {
		return false, fmt.Sprintf("condition references unknown path %q", clause)
	}
	return truthy(v), ""
}

// compare applies op between a resolved value and a literal.
func compare(lv gjson.Result, op, literal string) (bool, string) {
	switch op {
	case "==", "!=":
		eq := valueEquals(lv, literal)
		if op == "!=" {
			return !eq, ""
		}
		return eq, ""
	}

	// Ordering operators require numbers on both sides.
	rn, err := strconv.ParseFloat(strings.Trim(literal, `"'`), 64)
	if err != nil {
		return false, fmt.Sprintf("condition compares against non-numeric literal %q", literal)
	}
	if lv.Type != gjson.Number {
		return false, fmt.Sprintf("condition orders non-numeric value %q", lv.String())
	}
	ln := lv.Num

	switch op {
	case ">":
		return ln > rn, ""
	case ">=":
		return ln >= rn, ""
	case "<":
		return ln < rn, ""
	case "<=":
		return ln <= rn, ""
	}
	return false, fmt.Sprintf("unsupported operator %q", op)
}

// valueEquals compares a resolved value against a literal, honouring the
// literal's apparent type: quoted → string, true/false → bool, numeric →
// number, anything else → string.
func valueEquals(lv gjson.Result, literal string) bool {
	if len(literal) >= 2 {
		if (literal[0] == '"' && literal[len(literal)-1] == '"') ||
			(literal[0] == '\'' && literal[len(literal)-1] == '\'') {
			return lv.String() == literal[1:len(literal)-1]
		}
	}
	switch literal {
	case "true":
		return lv.Type == gjson.True
	case "false":
		return lv.Type == gjson.False
	}
	if n, err := strconv.ParseFloat(literal, 64); err == nil {
		return lv.Type == gjson.Number && lv.Num == n
	}
	return lv.String() == literal
}

// truthy reports whether a value passes a bare truthiness test: true
// booleans, non-zero numbers, non-empty strings.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False, gjson.Null:
		return false
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		return v.Str != ""
	}
	// Arrays and objects: non-empty raw JSON.
	return v.Raw != "" && v.Raw != "[]" && v.Raw != "{}"
}
