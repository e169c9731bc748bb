// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"encoding/json"
	"reflect"
)

// Handler answers a request. Returning an error, or panicking, answers the
// request with empty data.
type Handler func(ctx context.Context, data Data) (Data, error)

// Matcher selects the requests a handler answers. It must be a pure function
// of the payload.
type Matcher func(data Data) bool

type route struct {
	match   Matcher
	handler Handler
}

// Always matches every request.
func Always(Data) bool { return true }

// HasKey matches requests whose payload contains key.
func HasKey(key string) Matcher {
	return func(data Data) bool {
		_, ok := data[key]
		return ok
	}
}

// Subset matches requests whose payload contains every key of required with
// an equal value. Nested objects in required match by subset as well.
//
// required is normalised through JSON first, so Subset(Data{"n": 1}) matches
// a decoded payload where n is float64(1).
func Subset(required Data) Matcher {
	want := canonical(required)
	return func(data Data) bool {
		return containsMap(data, want)
	}
}

func canonical(d Data) map[string]any {
	b, err := json.Marshal(d)
	if err != nil {
		return map[string]any(d)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any(d)
	}
	return out
}

func containsMap(have, want map[string]any) bool {
	for k, wv := range want {
		hv, ok := have[k]
		if !ok || !containsValue(hv, wv) {
			return false
		}
	}
	return true
}

func containsValue(have, want any) bool {
	if wm, ok := want.(map[string]any); ok {
		switch hm := have.(type) {
		case map[string]any:
			return containsMap(hm, wm)
		case Data:
			return containsMap(hm, wm)
		default:
			return false
		}
	}
	return reflect.DeepEqual(have, want)
}
