package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
)

// VerifyFunc is the function a verification script must define. It receives
// the deployment as a dict and returns None or True to pass, False to fail,
// or a string describing the failure. Calling fail() also fails.
const VerifyFunc = "verify"

// VerificationError reports a deployment that a script rejected.
type VerificationError struct {
	Script  string
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification script %s: %s", e.Script, e.Message)
}

// ScriptVerifier runs a Starlark verification script against deployments.
type ScriptVerifier struct {
	name      string
	script    string
	evaluator *Evaluator
	logger    zerolog.Logger
}

// NewScriptVerifier creates a verifier for the given script source.
func NewScriptVerifier(name, script string, timeout time.Duration, logger zerolog.Logger) *ScriptVerifier {
	return &ScriptVerifier{
		name:      name,
		script:    script,
		evaluator: NewEvaluator(timeout),
		logger:    logger.With().Str("component", "verify").Str("script", name).Logger(),
	}
}

// LoadScriptVerifier reads a verification script from path.
func LoadScriptVerifier(path string, timeout time.Duration, logger zerolog.Logger) (*ScriptVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification script: %w", err)
	}
	return NewScriptVerifier(filepath.Base(path), string(data), timeout, logger), nil
}

// Name returns the script name.
func (v *ScriptVerifier) Name() string {
	return v.name
}

// Verify runs the script's verify() with subject. Rejections are returned as
// *VerificationError; script errors and timeouts are returned as is.
func (v *ScriptVerifier) Verify(ctx context.Context, subject map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, v.evaluator.timeout)
	defer cancel()

	start := time.Now()
	result, err := v.evaluator.Evaluate(ctx, v.name, v.script, nil)
	if err != nil {
		return err
	}

	out, err := result.call(ctx, VerifyFunc, subject)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return &VerificationError{Script: v.name, Message: evalErr.Msg}
		}
		return err
	}

	for _, line := range result.Prints {
		v.logger.Debug().Str("output", line).Msg("Verification script output")
	}

	switch val := out.(type) {
	case starlark.NoneType:
	case starlark.Bool:
		if !val {
			return &VerificationError{Script: v.name, Message: "verify returned False"}
		}
	case starlark.String:
		return &VerificationError{Script: v.name, Message: string(val)}
	default:
		return fmt.Errorf("verification script %s: verify returned %s, want None, bool or string", v.name, out.Type())
	}

	v.logger.Debug().Dur("duration", time.Since(start)).Msg("Verification passed")
	return nil
}
