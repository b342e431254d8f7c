// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"abc", "ab", 1},
		{"ab", "abc", 1},
		{"abc", "bac", 2},
		{"kitten", "sitting", 3},
		{"destroy", "destory", 2},
		{"models", "modles", 2},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
		if reverse := levenshtein(test.b, test.a); reverse != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.b, test.a, reverse, test.want)
		}
	}
}

func TestClosest(t *testing.T) {
	names := []string{"create", "destroy", "property", "models", "text", "watch"}
	tests := []struct {
		input string
		want  string
	}{
		{"craete", "create"},
		{"destory", "destroy"},
		{"propety", "property"},
		{"model", "models"},
		{"txt", "text"},
		{"zzzzzzzzz", ""},
	}
	for _, test := range tests {
		if got := closest(test.input, names); got != test.want {
			t.Errorf("closest(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestSuggestFlag(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagSet.String("server", "", "")
	flagSet.String("digest", "", "")
	flagSet.Duration("wait", 0, "")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--sever", "host"}, "--server"},
		{[]string{"--digets=md5"}, "--digest"},
		{[]string{"file.json", "--wiat", "1s"}, "--wait"},
		{[]string{"--server", "x", "--completely-unrelated"}, ""},
		{[]string{"plain"}, ""},
	}
	for _, test := range tests {
		if got := suggestFlag(test.args, flagSet); got != test.want {
			t.Errorf("suggestFlag(%v) = %q, want %q", test.args, got, test.want)
		}
	}
}
