package replay

import (
	"context"
	"sync"
	"time"

	"apitap/internal/skill"
)

// BatchRequest names one replay in a batch.
type BatchRequest struct {
	Domain     string         `json:"domain"`
	EndpointID string         `json:"endpointId"`
	Params     map[string]any `json:"params,omitempty"`
}

// BatchResult carries one replay outcome in a batch.
type BatchResult struct {
	Domain     string    `json:"domain"`
	EndpointID string    `json:"endpointId"`
	Status     int       `json:"status"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Tier       string    `json:"tier"`
	CapturedAt time.Time `json:"capturedAt"`
	Truncated  bool      `json:"truncated,omitempty"`
}

// SkillLoader loads skill files by domain. *store.Store satisfies it.
type SkillLoader interface {
	Read(domain string, verify bool) (*skill.SkillFile, error)
}

// ReplayMultiple groups requests by domain, loads each skill file once,
// and replays across domains concurrently. Within a domain, requests run
// in order under the per-domain rate limit. Results keep the input
// order.
func (e *Engine) ReplayMultiple(ctx context.Context, loader SkillLoader, requests []BatchRequest, opts Options) []BatchResult {
	results := make([]BatchResult, len(requests))

	byDomain := make(map[string][]int)
	for i, req := range requests {
		results[i] = BatchResult{Domain: req.Domain, EndpointID: req.EndpointID, Tier: skill.TierUnknown}
		byDomain[req.Domain] = append(byDomain[req.Domain], i)
	}

	var wg sync.WaitGroup
	for domain, indices := range byDomain {
		wg.Add(1)
		go func(domain string, indices []int) {
			defer wg.Done()

			sf, err := loader.Read(domain, true)
			if err != nil {
				for _, i := range indices {
					results[i].Error = err.Error()
				}
				return
			}

			limiter := e.limiterFor(domain)
			for _, i := range indices {
				if err := limiter.Wait(ctx); err != nil {
					results[i].Error = err.Error()
					continue
				}
				e.replayInto(ctx, sf, requests[i], opts, &results[i])
			}
		}(domain, indices)
	}
	wg.Wait()

	return results
}

func (e *Engine) replayInto(ctx context.Context, sf *skill.SkillFile, req BatchRequest, opts Options, out *BatchResult) {
	out.CapturedAt = sf.CapturedAt
	if ep := sf.FindEndpoint(req.EndpointID); ep != nil && ep.Tier != nil && ep.Tier.Level != "" {
		out.Tier = ep.Tier.Level
	}

	callOpts := opts
	callOpts.Params = req.Params
	callOpts.Domain = ""

	res, err := e.Replay(ctx, sf, req.EndpointID, callOpts)
	if err != nil {
		out.Error = err.Error()
		return
	}
	out.Status = res.Status
	out.Data = res.Data
	out.Truncated = res.Truncated
}
