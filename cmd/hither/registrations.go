package main

import (
	"github.com/hither-run/hither/pkg/registry"
	"github.com/hither-run/hither/pkg/value"
)

// buildRegistry constructs the function registry shared by serve, submit
// (local dispatch), and the worker re-exec entrypoint. Besides the
// mandatory identity function, it registers a couple of trivial built-ins
// useful for smoke-testing a deployment without a real embedding
// application's own function set: an embedding application would instead
// build its own *registry.Registry naming its own functions and pass it to
// pkg/jobmanager/pkg/computeresource directly, since hither is a library
// first and this CLI a thin reference wrapper over it.
func buildRegistry() *registry.Registry {
	reg := registry.New()
	registry.RegisterIdentity(reg)
	reg.MustRegister(registry.Registration{
		Name:     "builtin.echo",
		Version:  "1",
		Callable: echoCallable,
	})
	reg.MustRegister(registry.Registration{
		Name:     "builtin.sum",
		Version:  "1",
		Callable: sumCallable,
	})
	return reg
}

func echoCallable(kwargs value.Value) (value.Value, error) {
	return kwargs, nil
}

func sumCallable(kwargs value.Value) (value.Value, error) {
	m, ok := kwargs.AsMap()
	if !ok {
		return value.Value{}, nil
	}
	values, ok := m.Get("values")
	if !ok {
		return value.NewInt(0), nil
	}
	items, ok := values.AsList()
	if !ok {
		return value.NewInt(0), nil
	}
	total := 0.0
	isFloat := false
	for _, item := range items {
		if f, ok := item.AsFloat(); ok {
			total += f
			isFloat = true
			continue
		}
		if i, ok := item.AsInt(); ok {
			total += float64(i)
		}
	}
	if isFloat {
		return value.NewFloat(total), nil
	}
	return value.NewInt(int64(total)), nil
}
