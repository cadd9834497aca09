package taste

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
)

// Direction of explicit feedback.
type Direction string

const (
	More Direction = "more"
	Less Direction = "less"
)

// Strength of explicit feedback.
type Strength string

const (
	Strong Strength = "strong"
	Weak   Strength = "weak"
)

const (
	feedbackLikersCap = 50

	strongAffinityDelta = 5.0
	weakAffinityDelta   = 1.0
	strongFatigueDelta  = 60.0
	weakFatigueDelta    = 20.0

	strongKeywordDelta = 0.3
	weakKeywordDelta   = 0.1

	minKeywordLength = 4
)

// ApplyExplicitFeedback propagates a user's more/less signal on a post to the
// author's affinity and fatigue, the post's keywords, and the reputations of the
// post's likers.
func (e *Engine) ApplyExplicitFeedback(ctx context.Context, userDid persist.DID, postURI string, direction Direction, strength Strength) error {
	posts, err := e.posts.GetByURIs(ctx, []string{postURI})
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		logger.For(ctx).Warnf("explicit feedback on unknown post %s", postURI)
		return nil
	}
	post := posts[0]

	if err := e.feedback.Add(ctx, persist.UserFeedback{
		UserDid:   userDid,
		URI:       postURI,
		Direction: string(direction),
		Strength:  string(strength),
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}

	if err := e.applyFeedbackFatigue(ctx, userDid, post.Author, direction, strength); err != nil {
		return err
	}

	if post.Text != nil {
		if err := e.applyFeedbackKeywords(ctx, userDid, *post.Text, direction, strength); err != nil {
			return err
		}
	}

	action := ActionExplicitMore
	if direction == Less {
		action = ActionExplicitLess
	}
	for _, liker := range e.likers(ctx, postURI, feedbackLikersCap) {
		if liker == userDid {
			continue
		}
		if err := e.UpdateReputation(ctx, userDid, liker, action); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) applyFeedbackFatigue(ctx context.Context, userDid, authorDid persist.DID, direction Direction, strength Strength) error {
	affinityDelta, fatigueDelta := weakAffinityDelta, weakFatigueDelta
	if strength == Strong {
		affinityDelta, fatigueDelta = strongAffinityDelta, strongFatigueDelta
	}
	if direction == More {
		fatigueDelta = -fatigueDelta
	} else {
		affinityDelta = -affinityDelta
	}

	f, err := e.getOrInitFatigue(ctx, userDid, authorDid)
	if err != nil {
		return err
	}
	f.AffinityScore += affinityDelta
	f.FatigueScore += fatigueDelta
	f.UpdatedAt = time.Now()
	f.Clamp()
	return e.fatigue.Upsert(ctx, f)
}

func (e *Engine) applyFeedbackKeywords(ctx context.Context, userDid persist.DID, text string, direction Direction, strength Strength) error {
	delta := weakKeywordDelta
	if strength == Strong {
		delta = strongKeywordDelta
	}
	if direction == Less {
		delta = -delta
	}

	existing, err := e.keywords.GetForUser(ctx, userDid)
	if err != nil {
		return err
	}
	scores := make(map[string]float64, len(existing))
	for _, kw := range existing {
		scores[kw.Keyword] = kw.Score
	}

	now := time.Now()
	var updates []persist.UserKeyword
	seen := map[string]bool{}
	for _, word := range feedbackWords(text) {
		if seen[word] || e.restricted[word] {
			continue
		}
		seen[word] = true
		updates = append(updates, persist.UserKeyword{
			UserDid:   userDid,
			Keyword:   word,
			Score:     persist.ClampKeywordScore(scores[word] + delta),
			UpdatedAt: now,
		})
	}
	if len(updates) == 0 {
		return nil
	}
	return e.keywords.UpsertScores(ctx, userDid, updates)
}

// feedbackWords splits the post text into lowercased alphanumeric words long enough
// to carry meaning.
func feedbackWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var words []string
	for _, f := range fields {
		if len([]rune(f)) >= minKeywordLength {
			words = append(words, f)
		}
	}
	return words
}
