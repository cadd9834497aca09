package taste

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Action is one of the events that moves a reputation score.
type Action string

const (
	ActionAgreement    Action = "agreement"
	ActionDisagreement Action = "disagreement"
	ActionExplicitMore Action = "explicit_more"
	ActionExplicitLess Action = "explicit_less"
	ActionServedLiked  Action = "served_liked"
	ActionServedIgnore Action = "served_ignored"
)

const (
	// A brand-new twin discovered through an agreement starts above neutral.
	initialAgreementScore = 1.2
	neutralScore          = 1.0
	defaultDecayRate      = 0.95

	// Agreements slow the decay, disagreements speed it up.
	decayRateAgreementNudge    = 0.005
	decayRateDisagreementNudge = 0.01

	externalLikersCap = 100
	mutexShards       = 64
)

// PostLikersFunc fetches the actors who liked a post from the network, tolerating
// failure by returning an empty slice.
type PostLikersFunc func(ctx context.Context, postURI string, limit int) []persist.DID

// Engine maintains taste reputations and author fatigue for the tracked users.
// Reputation updates are serialized per (user, twin) pair through a sharded mutex
// map so concurrent likes do not compound the action multiplier.
type Engine struct {
	taste        persist.TasteRepository
	fatigue      persist.FatigueRepository
	keywords     persist.KeywordRepository
	interactions persist.InteractionRepository
	posts        persist.PostRepository
	feedback     persist.FeedbackRepository
	likers       PostLikersFunc

	shards [mutexShards]sync.Mutex

	restricted map[string]bool
}

func NewEngine(repos *persist.Repositories, likers PostLikersFunc, restrictedKeywords []string) *Engine {
	restricted := make(map[string]bool, len(restrictedKeywords))
	for _, kw := range restrictedKeywords {
		restricted[kw] = true
	}
	return &Engine{
		taste:        repos.Taste,
		fatigue:      repos.Fatigue,
		keywords:     repos.Keywords,
		interactions: repos.Interactions,
		posts:        repos.Posts,
		feedback:     repos.Feedback,
		likers:       likers,
		restricted:   restricted,
	}
}

// OnLike handles a tracked user liking a post: co-likers and external likers become
// agreement signals, and the author's fatigue relaxes.
func (e *Engine) OnLike(ctx context.Context, userDid persist.DID, postURI string) error {
	now := time.Now()
	seen := map[persist.DID]bool{userDid: true}

	coLikers, err := e.interactions.GetCoLikers(ctx, postURI, userDid)
	if err != nil {
		return err
	}
	for _, other := range coLikers {
		if seen[other] {
			continue
		}
		seen[other] = true
		if err := e.taste.RecordAgreement(ctx, userDid, other, now); err != nil {
			return err
		}
		if err := e.UpdateReputation(ctx, userDid, other, ActionAgreement); err != nil {
			return err
		}
	}

	// External likers bootstrap twin discovery outside the follow graph.
	for _, other := range e.likers(ctx, postURI, externalLikersCap) {
		if seen[other] {
			continue
		}
		seen[other] = true
		if err := e.UpdateReputation(ctx, userDid, other, ActionAgreement); err != nil {
			return err
		}
	}

	return e.applyInteractionFatigue(ctx, userDid, postURI, persist.InteractionTypeLike)
}

// OnRepost relaxes the author's fatigue for a repost.
func (e *Engine) OnRepost(ctx context.Context, userDid persist.DID, postURI string) error {
	return e.applyInteractionFatigue(ctx, userDid, postURI, persist.InteractionTypeRepost)
}

// OnReply relaxes the author's fatigue for a reply.
func (e *Engine) OnReply(ctx context.Context, userDid persist.DID, postURI string) error {
	return e.applyInteractionFatigue(ctx, userDid, postURI, persist.InteractionTypeReply)
}

// UpdateReputation applies time decay and then the action's multiplier to the
// (user, twin) reputation, creating the row if needed.
func (e *Engine) UpdateReputation(ctx context.Context, userDid, twinDid persist.DID, action Action) error {
	shard := e.shardFor(userDid, twinDid)
	shard.Lock()
	defer shard.Unlock()

	now := time.Now()

	rep, err := e.taste.GetReputation(ctx, userDid, twinDid)
	if err != nil {
		var notFound persist.ErrNotFound
		if !errors.As(err, &notFound) {
			return err
		}
		rep = persist.TasteReputation{
			UserDid:        userDid,
			SimilarUserDid: twinDid,
			DecayRate:      defaultDecayRate,
			UpdatedAt:      now,
		}
		if action == ActionAgreement {
			rep.ReputationScore = initialAgreementScore
		} else {
			rep.ReputationScore = applyAction(neutralScore, action)
		}
	} else {
		rep.ReputationScore = decayScore(rep.ReputationScore, rep.DecayRate, now.Sub(rep.UpdatedAt))
		rep.ReputationScore = applyAction(rep.ReputationScore, action)
	}

	switch action {
	case ActionAgreement:
		rep.AgreementHistory++
		rep.DecayRate += decayRateAgreementNudge
	case ActionDisagreement, ActionExplicitLess:
		rep.DecayRate -= decayRateDisagreementNudge
	}
	rep.DecayRate = clamp(rep.DecayRate, persist.DecayRateFloor, persist.DecayRateCeil)

	rep.LastSeenAt = now
	rep.UpdatedAt = now

	return e.taste.UpsertReputation(ctx, rep)
}

func (e *Engine) shardFor(userDid, twinDid persist.DID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userDid))
	h.Write([]byte{0})
	h.Write([]byte(twinDid))
	return &e.shards[h.Sum32()%mutexShards]
}

// decayScore shrinks a reputation toward zero as days pass since the last update.
func decayScore(score, decayRate float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return score
	}
	days := elapsed.Hours() / 24
	return score * math.Pow(decayRate, days)
}

func applyAction(score float64, action Action) float64 {
	switch action {
	case ActionAgreement:
		score *= 1.15
		if score > 3.0 {
			score = 3.0
		}
	case ActionDisagreement:
		score *= 0.85
		if score < 0.1 {
			score = 0.1
		}
	case ActionExplicitMore:
		score *= 1.6
		if score > persist.ReputationCeil {
			score = persist.ReputationCeil
		}
	case ActionExplicitLess:
		score *= 0.1
		if score < persist.ReputationFloor {
			score = persist.ReputationFloor
		}
	case ActionServedLiked:
		score *= 1.05
	case ActionServedIgnore:
		score *= 0.95
	}
	return clamp(score, persist.ReputationFloor, persist.ReputationCeil)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) authorOf(ctx context.Context, postURI string) (persist.DID, bool) {
	posts, err := e.posts.GetByURIs(ctx, []string{postURI})
	if err != nil || len(posts) == 0 {
		logger.For(ctx).Debugf("author lookup missed for %s", postURI)
		return "", false
	}
	return posts[0].Author, true
}
