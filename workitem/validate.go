package workitem

import (
	"fmt"

	"github.com/fluxwork/yawl/spec"
)

// ValidateOutputs checks submitted outputs against the task's out and
// inout parameter declarations. Undeclared keys are dropped; declared
// keys are type-checked. The returned map contains only validated
// slots.
func ValidateOutputs(task *spec.Task, outputs map[string]any) (map[string]any, error) {
	params := task.OutParameters()
	if len(params) == 0 {
		return map[string]any{}, nil
	}

	validated := make(map[string]any, len(params))
	for _, p := range params {
		val, present := outputs[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("required output %q missing", p.Name)
			}
			continue
		}
		if err := checkType(p.Type, val); err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name, err)
		}
		validated[p.Name] = val
	}
	return validated, nil
}

// checkType validates a value against a declared parameter type. Values
// arrive through JSON decoding, so numbers may be float64 regardless of
// declaration.
func checkType(declared string, val any) error {
	if val == nil {
		return nil
	}

	switch declared {
	case "any", "":
		return nil
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("want string, got %T", val)
		}
	case "bool":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("want bool, got %T", val)
		}
	case "int":
		switch n := val.(type) {
		case int, int32, int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("want int, got fractional %v", n)
			}
		default:
			return fmt.Errorf("want int, got %T", val)
		}
	case "float":
		switch val.(type) {
		case float32, float64, int, int32, int64:
		default:
			return fmt.Errorf("want float, got %T", val)
		}
	case "list":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("want list, got %T", val)
		}
	case "map":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("want map, got %T", val)
		}
	default:
		return fmt.Errorf("unknown declared type %q", declared)
	}
	return nil
}
