package main

import (
	"context"
	"fmt"

	"github.com/micromdm/nanowf/engine"
	"github.com/micromdm/nanowf/workflow"
	"github.com/micromdm/nanowf/workflow/runner"
)

// registerPrograms registers the built-in programs with the host.
// Each program is built once up front to catch construction errors
// before the factory is registered.
func registerPrograms(h *engine.Host) error {
	programs := map[string]func() (*runner.Runner, error){
		"echo": func() (*runner.Runner, error) {
			return runner.New(&runner.Func{
				ActivityName: "echo",
				Fn: func(_ context.Context, ac *runner.ActivityContext) error {
					ac.SetOutput("echo", "hello")
					return nil
				},
			})
		},
		"approval": func() (*runner.Runner, error) {
			return runner.New(
				runner.NewAwait("approval", "approve"),
				&runner.Func{
					ActivityName: "record",
					Fn: func(_ context.Context, ac *runner.ActivityContext) error {
						ac.SetOutput("recorded", true)
						return nil
					},
				},
			)
		},
		"two-phase": func() (*runner.Runner, error) {
			return runner.New(
				runner.NewAwait("prepare", "prepared"),
				runner.NewAwait("commit", "committed"),
			)
		},
	}

	for name, build := range programs {
		if _, err := build(); err != nil {
			return fmt.Errorf("creating %s program: %w", name, err)
		}
		build := build
		h.RegisterProgram(name, func() workflow.Runner {
			r, _ := build()
			return r
		})
	}

	return nil
}
