package invocation

import (
	"sort"
	"strings"
)

// batchExpansion is one position of a batch request: the fully scalar set of
// inputs for a single invocation plus the history name suffix derived from
// the batched values.
type batchExpansion struct {
	inputs map[string]*RunRequestInput
	suffix string
}

// expandBatch expands a batch request into one expansion per batched
// position. Batched inputs iterate in lockstep, so every input carrying
// BatchValues must list the same number of values. Non-batch requests pass
// through as a single expansion.
func expandBatch(request *RunRequest, inputs map[string]*RunRequestInput) ([]*batchExpansion, error) {
	if !request.Batch {
		for stepID, input := range inputs {
			if len(input.BatchValues) > 0 {
				return nil, NewValidationError("input for step %q carries batch values but the request is not a batch", stepID)
			}
		}
		return []*batchExpansion{{inputs: inputs}}, nil
	}

	batchSize := 0
	batchedSteps := []string{}
	for stepID, input := range inputs {
		if len(input.BatchValues) == 0 {
			continue
		}
		if batchSize == 0 {
			batchSize = len(input.BatchValues)
		} else if len(input.BatchValues) != batchSize {
			return nil, NewValidationError("batched input for step %q lists %d values, expected %d",
				stepID, len(input.BatchValues), batchSize)
		}
		batchedSteps = append(batchedSteps, stepID)
	}
	if batchSize == 0 {
		return nil, NewValidationError("batch request has no batched inputs")
	}
	sort.Strings(batchedSteps)

	expansions := make([]*batchExpansion, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		position := make(map[string]*RunRequestInput, len(inputs))
		var labels []string
		for stepID, input := range inputs {
			if len(input.BatchValues) == 0 {
				position[stepID] = input
				continue
			}
			position[stepID] = input.BatchValues[i]
		}
		for _, stepID := range batchedSteps {
			labels = append(labels, batchValueLabel(position[stepID]))
		}
		expansions = append(expansions, &batchExpansion{
			inputs: position,
			suffix: strings.Join(labels, " and "),
		})
	}
	return expansions, nil
}

// batchValueLabel derives the human-readable fragment a batched value
// contributes to the per-position history name.
func batchValueLabel(input *RunRequestInput) string {
	if input.ID != "" {
		return input.ID
	}
	if text, ok := input.Val.(string); ok {
		return text
	}
	return "input"
}
