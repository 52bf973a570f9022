package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEvaluator_Evaluate(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *Result)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, r *Result) {
				if r.Output["result"] != int64(4) {
					t.Errorf("result = %v, want 4", r.Output["result"])
				}
			},
		},
		{
			name:   "input variables",
			script: "doubled = count * 2\nlabel = name.upper()\n",
			input:  map[string]interface{}{"count": 5, "name": "mint"},
			checkFunc: func(t *testing.T, r *Result) {
				if r.Output["doubled"] != int64(10) || r.Output["label"] != "MINT" {
					t.Errorf("output = %v", r.Output)
				}
			},
		},
		{
			name:   "functions and private globals are not exported",
			script: "def helper():\n    return 1\n_hidden = 2\nvisible = helper()\n",
			checkFunc: func(t *testing.T, r *Result) {
				if _, ok := r.Output["helper"]; ok {
					t.Error("function exported")
				}
				if _, ok := r.Output["_hidden"]; ok {
					t.Error("private global exported")
				}
				if r.Output["visible"] != int64(1) {
					t.Errorf("visible = %v", r.Output["visible"])
				}
			},
		},
		{
			name:   "struct and json",
			script: "s = struct(a = 1, b = \"x\")\nencoded = json.encode({\"k\": [1, 2]})\n",
			checkFunc: func(t *testing.T, r *Result) {
				s, ok := r.Output["s"].(map[string]interface{})
				if !ok || s["a"] != int64(1) || s["b"] != "x" {
					t.Errorf("s = %v", r.Output["s"])
				}
				if r.Output["encoded"] != `{"k":[1,2]}` {
					t.Errorf("encoded = %v", r.Output["encoded"])
				}
			},
		},
		{
			name:   "print is captured",
			script: "print(\"hello\")\n",
			checkFunc: func(t *testing.T, r *Result) {
				if len(r.Prints) != 1 || r.Prints[0] != "hello" {
					t.Errorf("Prints = %v", r.Prints)
				}
			},
		},
		{
			name:    "syntax error",
			script:  "x = (\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 // 0\n",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1\n",
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil && err == nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	evaluator := NewEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

total = spin()
`
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Evaluate() error = %v, want ErrTimeout", err)
	}
}

func TestEvaluator_DefaultTimeout(t *testing.T) {
	if got := NewEvaluator(0).timeout; got != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", got, DefaultTimeout)
	}
}

func TestConversions(t *testing.T) {
	in := map[string]interface{}{
		"name":     "Mint",
		"decimals": uint8(18),
		"supply":   int64(1000),
		"ratio":    0.5,
		"active":   true,
		"tags":     []string{"a", "b"},
		"meta":     map[string]string{"k": "v"},
		"created":  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"none":     nil,
	}

	sv, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue() error = %v", err)
	}
	back, err := fromStarlarkValue(sv)
	if err != nil {
		t.Fatalf("fromStarlarkValue() error = %v", err)
	}

	m := back.(map[string]interface{})
	checks := map[string]interface{}{
		"name":     "Mint",
		"decimals": int64(18),
		"supply":   int64(1000),
		"ratio":    0.5,
		"active":   true,
		"created":  "2024-01-02T03:04:05Z",
		"none":     nil,
	}
	for k, want := range checks {
		if m[k] != want {
			t.Errorf("%s = %v (%T), want %v", k, m[k], m[k], want)
		}
	}
	if tags := m["tags"].([]interface{}); len(tags) != 2 || tags[1] != "b" {
		t.Errorf("tags = %v", m["tags"])
	}
	if meta := m["meta"].(map[string]interface{}); meta["k"] != "v" {
		t.Errorf("meta = %v", m["meta"])
	}
}
