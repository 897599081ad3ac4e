// Package cel evaluates subscription conditions written in CEL against bus events.
package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"eventbus/pkg/models"
)

const programCacheSize = 512

type Evaluator struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_id", cel.StringType),
		cel.Variable("event_name", cel.StringType),
		cel.Variable("event_version", cel.StringType),
		cel.Variable("source_id", cel.StringType),
		cel.Variable("source_type", cel.StringType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &Evaluator{env: env, programs: programs}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// ValidateCondition compiles expression and requires it to yield a bool.
func (e *Evaluator) ValidateCondition(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs a condition against event. Non-object payloads are seen as an empty map.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, event models.Event) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, activation(event))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Get(expression); ok {
		return p, nil
	}

	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	e.programs.Add(expression, program)
	return program, nil
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

func activation(event models.Event) map[string]interface{} {
	payload := event.PayloadMap()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	return map[string]interface{}{
		"event_id":       event.EventID,
		"event_name":     event.EventName,
		"event_version":  event.EventVersion,
		"source_id":      event.SourceID,
		"source_type":    event.SourceType,
		"correlation_id": event.CorrelationID,
		"occurred_at":    event.OccurredAt,
		"payload":        payload,
		"metadata":       metadata,
	}
}
