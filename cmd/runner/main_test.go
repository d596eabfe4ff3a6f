package main

import (
	"testing"
)

func TestExecuteRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand args", []string{"build"}},
		{"invalid json", []string{"exec", "{"}},
		{"missing fields", []string{"exec", `{"workDir":"/tmp"}`}},
		{"unknown subcommand", []string{"deploy", "{}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := execute(tt.args); code != 1 {
				t.Errorf("execute(%v) = %d, want 1", tt.args, code)
			}
		})
	}
}
