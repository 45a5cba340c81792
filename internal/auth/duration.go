// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timedeltaUnits = map[string]time.Duration{
	"milliseconds": time.Millisecond,
	"seconds":      time.Second,
	"minutes":      time.Minute,
	"hours":        time.Hour,
	"days":         24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// ParseTimedelta parses a duration expression of the form "minutes=10" or
// "days=30;hours=2". Units are milliseconds, seconds, minutes, hours, days
// and weeks; parts are separated by ";" and summed.
func ParseTimedelta(expr string) (time.Duration, error) {
	var total time.Duration
	parts := strings.Split(expr, ";")
	if strings.TrimSpace(expr) == "" {
		return 0, fmt.Errorf("empty duration expression")
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return 0, fmt.Errorf("invalid duration part %q", part)
		}
		unit, ok := timedeltaUnits[strings.TrimSpace(strings.ToLower(key))]
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q", key)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value %q: %w", value, err)
		}
		total += time.Duration(n * float64(unit))
	}
	return total, nil
}
