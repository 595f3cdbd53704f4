package node

import (
	"context"
	"fmt"
)

// handleEval evaluates a tiny two-operand arithmetic expression such as
// "3+4" or "10/2", exercising the simplest request/response round trip.
func (nd *Node) handleEval(_ context.Context, args interface{}) (interface{}, error) {
	expr, ok := args.(string)
	if !ok {
		return nil, fmt.Errorf("node: eval expects a string expression, got %T", args)
	}

	var a, b int64
	var op string
	if _, err := fmt.Sscanf(expr, "%d%1s%d", &a, &op, &b); err != nil {
		nd.send(Notify{EvalResult: &EvalResult{Expr: expr, Err: err.Error()}})
		return nil, fmt.Errorf("node: cannot parse expression %q: %w", expr, err)
	}

	var result int64
	switch op {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*":
		result = a * b
	case "/":
		if b == 0 {
			err := fmt.Errorf("node: division by zero in %q", expr)
			nd.send(Notify{EvalResult: &EvalResult{Expr: expr, Err: err.Error()}})
			return nil, err
		}
		result = a / b
	default:
		err := fmt.Errorf("node: unsupported operator %q in %q", op, expr)
		nd.send(Notify{EvalResult: &EvalResult{Expr: expr, Err: err.Error()}})
		return nil, err
	}

	nd.send(Notify{EvalResult: &EvalResult{Expr: expr, Value: result}})
	return result, nil
}
