package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/inference-serve/inference-serve/serve"
)

// The demo pipeline stands in for a real model so the CLI can be exercised
// end to end without an inference engine: each request echoes its prompt
// tokens back, one per forward step.

const demoEOSToken = 0

type demoGenerator struct{}

func (g *demoGenerator) NextToken(_ context.Context, batch map[string]*serve.GenerationContext, numSteps int) ([]map[string]serve.StepResult, error) {
	var steps []map[string]serve.StepResult
	done := make(map[string]bool, len(batch))
	emitted := make(map[string]int, len(batch))
	for step := 0; step < numSteps; step++ {
		stepResults := make(map[string]serve.StepResult, len(batch))
		for id, gc := range batch {
			if done[id] || gc.Done() {
				continue
			}
			pos := len(gc.Generated) + emitted[id]
			next := demoEOSToken
			if pos < len(gc.Request.InputTokens) {
				next = gc.Request.InputTokens[pos]
			}
			if next == demoEOSToken {
				done[id] = true
			}
			emitted[id]++
			stepResults[id] = serve.StepResult{NextToken: next}
		}
		if len(stepResults) == 0 {
			break
		}
		steps = append(steps, stepResults)
	}
	return steps, nil
}

func (g *demoGenerator) Release(context.Context, string) error { return nil }

func (g *demoGenerator) EOSToken() int { return demoEOSToken }

type demoTokenizer struct{}

func (t *demoTokenizer) NewContext(_ context.Context, req *serve.Request) (serve.TokenizerContext, error) {
	return req.ID, nil
}

func (t *demoTokenizer) Decode(_ context.Context, _ serve.TokenizerContext, tokenID int, skipSpecialTokens bool) (string, error) {
	if tokenID == demoEOSToken {
		if skipSpecialTokens {
			return "", nil
		}
		return "<eos>", nil
	}
	return fmt.Sprintf("tok%d ", tokenID), nil
}

func demoFactory(context.Context) (serve.Pipeline, error) {
	return &demoGenerator{}, nil
}

func joinOutputs(outs []serve.TokenGeneratorOutput) string {
	var sb strings.Builder
	for _, o := range outs {
		sb.WriteString(o.DecodedToken)
	}
	return sb.String()
}
