package prepare

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jitsecurity/trigger-service/internal/domain/plan"
	"github.com/jitsecurity/trigger-service/internal/domain/trigger"
)

// expressionPattern matches ${{ path.to.value }} placeholders inside step
// configuration. The evaluator is pure path lookup; no operators, no calls.
var expressionPattern = regexp.MustCompile(`\$\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// interpolateSteps substitutes ${{ context.* }} placeholders in the job's
// steps against the resolved execution context. Unresolvable placeholders
// are left untouched so downstream can surface them verbatim.
func interpolateSteps(steps []plan.Step, execCtx trigger.ExecutionContext) []plan.Step {
	scope := map[string]any{"context": toGenericMap(execCtx)}

	raw, err := json.Marshal(steps)
	if err != nil {
		return steps
	}
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return steps
	}

	substituted, _ := json.Marshal(interpolateValue(generic, scope))
	var out []plan.Step
	if err := json.Unmarshal(substituted, &out); err != nil {
		return steps
	}
	return out
}

func toGenericMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func interpolateValue(v any, scope map[string]any) any {
	switch value := v.(type) {
	case string:
		return interpolateString(value, scope)
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = interpolateValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = interpolateValue(item, scope)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, scope map[string]any) string {
	return expressionPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := expressionPattern.FindStringSubmatch(match)[1]
		resolved, ok := lookupPath(scope, strings.Split(path, "."))
		if !ok {
			return match
		}
		return resolved
	})
}

// lookupPath walks the scope map segment by segment; only string leaves
// substitute.
func lookupPath(scope map[string]any, segments []string) (string, bool) {
	var current any = scope
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = node[segment]
		if !ok {
			return "", false
		}
	}
	leaf, ok := current.(string)
	return leaf, ok
}
