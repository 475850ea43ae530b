package replay

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"apitap/internal/skill"
)

// Verification is the outcome of verifying one endpoint.
type Verification struct {
	EndpointID string    `json:"endpointId"`
	Status     int       `json:"status"`
	Tier       string    `json:"tier"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// VerifyEndpoints replays every GET endpoint in sf and rewrites its tier
// in place from the live outcome: 2xx with no shape errors is green,
// 401/403 is yellow, other 4xx is orange, 5xx or transport failure is
// red. Non-GET endpoints are skipped so verification never mutates
// remote state. The caller persists the updated file.
func (e *Engine) VerifyEndpoints(ctx context.Context, sf *skill.SkillFile, opts Options) []Verification {
	var out []Verification
	for _, ep := range sf.Endpoints {
		v := Verification{EndpointID: ep.ID}
		if ep.Method != http.MethodGet {
			v.Skipped = true
			v.Tier = tierOf(ep)
			out = append(out, v)
			continue
		}

		res, err := e.Replay(ctx, sf, ep.ID, opts)
		if err != nil {
			v.Error = err.Error()
			v.Tier = skill.TierRed
			applyTier(ep, skill.TierRed, false, "unreachable")
			out = append(out, v)
			continue
		}

		v.Status = res.Status
		v.Warnings = res.ContractWarnings
		tier, verified, signal := classifyOutcome(res)
		v.Tier = tier
		applyTier(ep, tier, verified, signal)

		log.WithFields(log.Fields{
			"domain":   sf.Domain,
			"endpoint": ep.ID,
			"status":   res.Status,
			"tier":     tier,
		}).Debug("replay: endpoint verified")
		out = append(out, v)
	}
	return out
}

func classifyOutcome(res *Result) (tier string, verified bool, signal string) {
	switch {
	case res.Status >= 200 && res.Status < 300:
		for _, w := range res.ContractWarnings {
			if w.Severity == SeverityError {
				return skill.TierOrange, false, "shape-drift"
			}
		}
		return skill.TierGreen, true, "verified-2xx"
	case res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden:
		return skill.TierYellow, false, "auth-required"
	case res.Status >= 400 && res.Status < 500:
		return skill.TierOrange, false, "client-error"
	default:
		return skill.TierRed, false, "unreachable"
	}
}

func tierOf(ep *skill.Endpoint) string {
	if ep.Tier != nil && ep.Tier.Level != "" {
		return ep.Tier.Level
	}
	return skill.TierUnknown
}

func applyTier(ep *skill.Endpoint, tier string, verified bool, signal string) {
	if ep.Tier == nil {
		ep.Tier = &skill.Tier{}
	}
	ep.Tier.Level = tier
	ep.Tier.Verified = verified
	ep.Tier.Signals = appendSignal(ep.Tier.Signals, signal)
}

func appendSignal(signals []string, signal string) []string {
	for _, s := range signals {
		if s == signal {
			return signals
		}
	}
	return append(signals, signal)
}
