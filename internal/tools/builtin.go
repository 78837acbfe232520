package tools

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DateTimeTool reports the current date and time, optionally in a named
// IANA time zone.
type DateTimeTool struct{}

func NewDateTimeTool() *DateTimeTool { return &DateTimeTool{} }

func (t *DateTimeTool) Name() string { return "datetime" }

func (t *DateTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific time zone"
}

func (t *DateTimeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA time zone name, e.g. Europe/Berlin. Defaults to UTC.",
			},
		},
	}
}

func (t *DateTimeTool) Execute(ctx context.Context, botID string, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", tz)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"), nil
}

// MathTool performs basic arithmetic. Operations are explicit rather than
// parsed from free text so the model cannot smuggle arbitrary expressions.
type MathTool struct{}

func NewMathTool() *MathTool { return &MathTool{} }

func (t *MathTool) Name() string { return "math" }

func (t *MathTool) Description() string {
	return "Perform an arithmetic operation on two numbers"
}

func (t *MathTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "subtract", "multiply", "divide", "power", "modulo"},
				"description": "The operation to perform",
			},
			"a": map[string]any{"type": "number", "description": "First operand"},
			"b": map[string]any{"type": "number", "description": "Second operand"},
		},
		"required": []string{"operation", "a", "b"},
	}
}

func (t *MathTool) Execute(ctx context.Context, botID string, args map[string]any) (string, error) {
	op, _ := args["operation"].(string)
	a, okA := toFloat(args["a"])
	b, okB := toFloat(args["b"])
	if !okA || !okB {
		return "", fmt.Errorf("operands a and b must be numbers")
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return "", fmt.Errorf("division by zero")
		}
		result = a / b
	case "power":
		result = math.Pow(a, b)
	case "modulo":
		if b == 0 {
			return "", fmt.Errorf("modulo by zero")
		}
		result = math.Mod(a, b)
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
	return fmt.Sprintf("%g", result), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
