package taste

import (
	"context"
	"errors"
	"time"

	"github.com/wavelength-social/wavelength/persist"
)

// Serve-side fatigue. Repeated serves of the same author tire the user out faster
// the more often the author has already appeared.
const (
	serveFatigueLow  = 3.0
	serveFatigueMid  = 5.0
	serveFatigueHigh = 8.0

	serveBandLow = 3
	serveBandMid = 8

	serveAffinityCooling = 0.05

	// Time recovery: a long gap since the last serve forgives part of the fatigue.
	recoveryLongGap    = 48 * time.Hour
	recoveryLongFactor = 0.7
	recoveryMidGap     = 24 * time.Hour
	recoveryMidFactor  = 0.85
)

// Interaction-side fatigue. Interacting with an author proves interest, so fatigue
// falls and affinity rises by type-specific amounts.
var interactionFatigueDelta = map[persist.InteractionType]struct {
	Fatigue  float64
	Affinity float64
}{
	persist.InteractionTypeLike:   {Fatigue: -25, Affinity: 0.8},
	persist.InteractionTypeRepost: {Fatigue: -30, Affinity: 1.2},
	persist.InteractionTypeReply:  {Fatigue: -20, Affinity: 0.5},
}

const (
	// First interaction after a long silence gets a welcome-back bonus.
	reengagementGap           = 72 * time.Hour
	reengagementFatigueBonus  = -10.0
	reengagementAffinityBonus = 0.5
)

// ApplyServeFatigue increments fatigue for every author about to be served. Called
// asynchronously after a page is returned.
func (e *Engine) ApplyServeFatigue(ctx context.Context, userDid persist.DID, authors []persist.DID) error {
	now := time.Now()

	for _, author := range authors {
		f, err := e.getOrInitFatigue(ctx, userDid, author)
		if err != nil {
			return err
		}

		// Recovery first, so a long absence is not wiped out by the new increment.
		if f.LastServedAt != nil {
			gap := now.Sub(*f.LastServedAt)
			if gap >= recoveryLongGap {
				f.FatigueScore *= recoveryLongFactor
			} else if gap >= recoveryMidGap {
				f.FatigueScore *= recoveryMidFactor
			}
		}

		f.ServeCount++
		switch {
		case f.ServeCount <= serveBandLow:
			f.FatigueScore += serveFatigueLow
		case f.ServeCount <= serveBandMid:
			f.FatigueScore += serveFatigueMid
		default:
			f.FatigueScore += serveFatigueHigh
		}
		f.AffinityScore -= serveAffinityCooling
		f.LastServedAt = &now
		f.UpdatedAt = now
		f.Clamp()

		if err := e.fatigue.Upsert(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// DecayAffinity applies passive affinity cooling, used when a served post scrolls
// past without engagement.
func (e *Engine) DecayAffinity(ctx context.Context, userDid, authorDid persist.DID) error {
	f, err := e.getOrInitFatigue(ctx, userDid, authorDid)
	if err != nil {
		return err
	}
	f.AffinityScore -= serveAffinityCooling
	f.UpdatedAt = time.Now()
	f.Clamp()
	return e.fatigue.Upsert(ctx, f)
}

func (e *Engine) applyInteractionFatigue(ctx context.Context, userDid persist.DID, postURI string, interactionType persist.InteractionType) error {
	author, ok := e.authorOf(ctx, postURI)
	if !ok || author == userDid {
		return nil
	}

	delta, ok := interactionFatigueDelta[interactionType]
	if !ok {
		return nil
	}

	now := time.Now()

	f, err := e.getOrInitFatigue(ctx, userDid, author)
	if err != nil {
		return err
	}

	f.FatigueScore += delta.Fatigue
	f.AffinityScore += delta.Affinity
	if f.LastInteractionAt == nil || now.Sub(*f.LastInteractionAt) >= reengagementGap {
		f.FatigueScore += reengagementFatigueBonus
		f.AffinityScore += reengagementAffinityBonus
	}
	f.InteractionWeight += float64(interactionType.Weight())
	f.InteractionCount++
	f.LastInteractionAt = &now
	f.UpdatedAt = now
	f.Clamp()

	return e.fatigue.Upsert(ctx, f)
}

func (e *Engine) getOrInitFatigue(ctx context.Context, userDid, authorDid persist.DID) (persist.AuthorFatigue, error) {
	f, err := e.fatigue.Get(ctx, userDid, authorDid)
	if err != nil {
		var notFound persist.ErrNotFound
		if !errors.As(err, &notFound) {
			return persist.AuthorFatigue{}, err
		}
		f = persist.AuthorFatigue{
			UserDid:       userDid,
			AuthorDid:     authorDid,
			AffinityScore: 1.0,
		}
	}
	return f, nil
}
