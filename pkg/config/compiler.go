package config

import (
	"fmt"

	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
)

// PipelineRegistry is the source of command actions and modifiers.
type PipelineRegistry interface {
	ActionNames() []string
	GetActionFunc(name string) (pipeline.ActionFunc, bool)
	GetModifierFactory(name string) (pipeline.ModifierFactory, bool)
}

// CompilePipelines builds one Step per registered command, binding the
// modifiers configured for it in order.
func CompilePipelines(commands map[string]CommandConfig, reg PipelineRegistry) (map[string]pipeline.Step, error) {
	steps := make(map[string]pipeline.Step)
	for _, name := range reg.ActionNames() {
		fn, _ := reg.GetActionFunc(name)
		steps[name] = pipeline.Step{Action: fn}
	}

	for eventName, cmdCfg := range commands {
		step, ok := steps[eventName]
		if !ok {
			return nil, fmt.Errorf("modifiers configured for unknown command '%s'", eventName)
		}
		for _, modCfg := range cmdCfg.Modifiers {
			factory, ok := reg.GetModifierFactory(modCfg.Name)
			if !ok {
				return nil, fmt.Errorf("unknown modifier '%s' in command '%s'", modCfg.Name, eventName)
			}
			fn, err := factory(modCfg.Params...)
			if err != nil {
				return nil, fmt.Errorf("modifier '%s' in command '%s': %w", modCfg.Name, eventName, err)
			}
			step.Modifiers = append(step.Modifiers, pipeline.BoundModifier{Name: modCfg.Name, Function: fn})
		}
		steps[eventName] = step
	}
	return steps, nil
}
