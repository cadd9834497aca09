package ranking

import (
	"context"

	"github.com/wavelength-social/wavelength/persist"
)

// attachNetworkEffort aggregates, per candidate, the reactions from the user's
// Layer-1 and influential Layer-2 accounts. The first Layer-1 repost found becomes
// the candidate's repost attribution.
func (e *Engine) attachNetworkEffort(ctx context.Context, uc *userContext, candidates []*Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	actors := make([]persist.DID, 0, len(uc.L1)+len(uc.InfluentialL2))
	for did := range uc.L1 {
		actors = append(actors, did)
	}
	for did := range uc.InfluentialL2 {
		if !uc.L1[did] {
			actors = append(actors, did)
		}
	}
	if len(actors) == 0 {
		return nil
	}

	targets := make([]string, len(candidates))
	byURI := make(map[string]*Candidate, len(candidates))
	for i, c := range candidates {
		targets[i] = c.Post.URI
		byURI[c.Post.URI] = c
	}

	interactions, err := e.repos.Interactions.GetForTargets(ctx, targets, actors)
	if err != nil {
		return err
	}

	for _, in := range interactions {
		c, ok := byURI[in.Target]
		if !ok {
			continue
		}
		if c.network.Actors == nil {
			c.network.Actors = map[persist.DID]bool{}
		}
		c.network.Actors[in.Actor] = true

		switch in.Type {
		case persist.InteractionTypeLike:
			c.network.Likes++
		case persist.InteractionTypeRepost:
			c.network.Reposts++
			if c.network.RepostURI == nil && uc.L1[in.Actor] && in.InteractionURI != "" {
				uri := in.InteractionURI
				c.network.RepostURI = &uri
				c.RepostURI = &uri
			}
		}
	}

	return nil
}
