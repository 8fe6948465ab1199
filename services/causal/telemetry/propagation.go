// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
)

// EnvCarrier carries trace context in environment variables, with
// propagation keys mapped to upper case (traceparent → TRACEPARENT).
// It crosses the process boundary to the fit worker.
type EnvCarrier map[string]string

// Get returns the value for a propagation key.
func (c EnvCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

// Set stores a propagation key.
func (c EnvCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

// Keys returns the stored keys in lower case.
func (c EnvCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	return keys
}

// InjectToEnv returns KEY=value entries carrying the trace context of ctx,
// ready to append to exec.Cmd.Env. Empty when ctx has no span or no
// propagator is installed.
func InjectToEnv(ctx context.Context) []string {
	carrier := EnvCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	env := make([]string, 0, len(carrier))
	for k, v := range carrier {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// ExtractFromEnv returns ctx extended with the trace context found in
// environ (os.Environ() format).
func ExtractFromEnv(ctx context.Context, environ []string) context.Context {
	carrier := EnvCarrier{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		carrier[k] = v
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
