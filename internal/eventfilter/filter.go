// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package eventfilter selects gateway events with expr-lang expressions such as
//
//	kind == "dispatch" && name startsWith "MESSAGE_" && data.guild_id == "42"
package eventfilter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuGH/shardline/internal/gateway/shard"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the variable set visible to an expression.
type Env struct {
	Name  string         `expr:"name"`
	Kind  string         `expr:"kind"`
	Op    int            `expr:"op"`
	Seq   uint64         `expr:"seq"`
	Shard int            `expr:"shard"`
	Total int            `expr:"total"`
	Data  map[string]any `expr:"data"`
}

// Filter is a compiled expression. The zero value and a nil *Filter match
// everything.
type Filter struct {
	src string
	prg *vm.Program
}

// Compile parses src. An empty or blank src yields a filter that matches every
// event.
func Compile(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Filter{}, nil
	}
	prg, err := expr.Compile(src, options()...)
	if err != nil {
		return nil, fmt.Errorf("compile event filter: %w", err)
	}
	return &Filter{src: src, prg: prg}, nil
}

func options() []expr.Option {
	return []expr.Option{
		expr.Env(Env{}),
		expr.AsBool(),
		expr.Function("field", func(params ...any) (any, error) {
			data, _ := params[0].(map[string]any)
			return lookup(data, params[1].(string)), nil
		},
			new(func(map[string]any, string) any)),
	}
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

// Match evaluates the filter for ev. Evaluation errors count as no match and
// are returned for logging.
func (f *Filter) Match(ev shard.Event) (bool, error) {
	if f == nil || f.prg == nil {
		return true, nil
	}
	out, err := expr.Run(f.prg, envFor(ev))
	if err != nil {
		return false, fmt.Errorf("evaluate event filter: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func envFor(ev shard.Event) Env {
	env := Env{
		Name:  ev.Name,
		Kind:  ev.Kind.String(),
		Op:    int(ev.Op),
		Seq:   ev.Seq,
		Shard: ev.Shard.Index,
		Total: ev.Shard.Total,
	}
	if len(ev.Data) > 0 {
		// non-object payloads leave data empty
		_ = json.Unmarshal(ev.Data, &env.Data)
	}
	return env
}

// lookup walks a dotted path through nested objects.
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}
