package semantic

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/ranking"
	"github.com/wavelength-social/wavelength/service/appview"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/service/qdrant"
)

const (
	vectorSize = qdrant.VectorSize

	minEmbedTextLen = 10

	likedLookback    = 3 * 24 * time.Hour
	likedCap         = 500
	feedbackLookback = 7 * 24 * time.Hour

	minProfileVectors = 3

	searchScoreThreshold = 0.25
	searchBaseLimit      = 200
	searchWeightLimit    = 400

	discoverySandboxScore = -4000
	seenDropThreshold     = 3
	lowReputationFloor    = 0.1

	batchSizeCap = 1500

	// Embeddings older than this with no batch referencing them are pruned.
	orphanMinAge = 24 * time.Hour
)

// Pipeline materializes per-user semantic candidate batches: it embeds candidates
// and liked posts, clusters the user's taste into centroids, and searches the
// vector index for posts near those centroids.
type Pipeline struct {
	ranker    *ranking.Engine
	repos     *persist.Repositories
	vectors   *qdrant.Client
	api       *appview.API
	embedder  *Embedder
	clusterer *Clusterer
}

func NewPipeline(ranker *ranking.Engine, repos *persist.Repositories, vectors *qdrant.Client, api *appview.API, embedder *Embedder, clusterer *Clusterer) *Pipeline {
	return &Pipeline{
		ranker:    ranker,
		repos:     repos,
		vectors:   vectors,
		api:       api,
		embedder:  embedder,
		clusterer: clusterer,
	}
}

// Bootstrap makes sure the vector collections and payload indexes exist.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	for _, name := range []string{qdrant.PostEmbeddings, qdrant.UserProfiles} {
		if err := p.vectors.EnsureCollection(ctx, name); err != nil {
			return err
		}
	}
	if err := p.vectors.EnsurePayloadIndexes(ctx, qdrant.PostEmbeddings, map[string]string{
		"uri": "keyword", "author": "keyword", "discoveredBy": "keyword",
		"indexedAt": "integer", "likeCount": "integer",
	}); err != nil {
		return err
	}
	return p.vectors.EnsurePayloadIndexes(ctx, qdrant.UserProfiles, map[string]string{
		"userDid": "keyword", "clusterId": "integer", "updatedAt": "integer",
	})
}

// RunForUser executes the full pipeline for one user.
func (p *Pipeline) RunForUser(ctx context.Context, userDid persist.DID) error {
	candidates, err := p.ranker.Rank(ctx, userDid, ranking.Params{BatchMode: true})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		logger.For(ctx).Infof("no pipeline candidates for %s, skipping", userDid)
		return nil
	}

	pipelineScores := make(map[string]float64, len(candidates))
	candidatePosts := make(map[string]persist.Post, len(candidates))
	for _, c := range candidates {
		pipelineScores[c.Post.URI] = c.Score
		candidatePosts[c.Post.URI] = c.Post
	}

	embedded, vectorsByURI, err := p.loadEmbedded(ctx, userDid)
	if err != nil {
		return err
	}

	if err := p.embedCandidates(ctx, userDid, candidates, embedded, vectorsByURI); err != nil {
		return err
	}

	likedWeights, err := p.embedLikedPosts(ctx, userDid, embedded, vectorsByURI)
	if err != nil {
		return err
	}

	centroids, err := p.buildProfile(ctx, userDid, likedWeights, vectorsByURI)
	if err != nil {
		return err
	}
	if len(centroids) == 0 {
		logger.For(ctx).Infof("no interest profile for %s yet, skipping search", userDid)
		return nil
	}

	rows, err := p.search(ctx, userDid, centroids, pipelineScores)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batchID, err := newBatchID()
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range rows {
		rows[i].UserDid = userDid
		rows[i].BatchID = batchID
		rows[i].GeneratedAt = now
	}
	if err := p.repos.Batches.Insert(ctx, rows); err != nil {
		return err
	}

	logger.For(ctx).Infof("semantic batch %s for %s: %d candidates from %d centroids", batchID, userDid, len(rows), len(centroids))
	return nil
}

// loadEmbedded scrolls the user's existing embedding points, returning the URI set
// and the vectors (needed later for profile clustering).
func (p *Pipeline) loadEmbedded(ctx context.Context, userDid persist.DID) (map[string]bool, map[string][]float32, error) {
	filter := qdrant.Filter{Must: []qdrant.Match{{Key: "discoveredBy", Value: string(userDid)}}}

	embedded := make(map[string]bool)
	vectors := make(map[string][]float32)

	var offset interface{}
	for {
		points, next, err := p.vectors.Scroll(ctx, qdrant.PostEmbeddings, filter, 500, offset, true)
		if err != nil {
			return nil, nil, err
		}
		for _, pt := range points {
			uri, _ := pt.Payload["uri"].(string)
			if uri == "" {
				continue
			}
			embedded[uri] = true
			if len(pt.Vector) == vectorSize {
				vectors[uri] = pt.Vector
			}
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}

	return embedded, vectors, nil
}

// embedCandidates embeds the batch candidates that have enough text and are not
// yet in the index under this user.
func (p *Pipeline) embedCandidates(ctx context.Context, userDid persist.DID, candidates []*ranking.Candidate, embedded map[string]bool, vectorsByURI map[string][]float32) error {
	var posts []persist.Post
	for _, c := range candidates {
		if embedded[c.Post.URI] {
			continue
		}
		if c.Post.Text == nil || len([]rune(*c.Post.Text)) <= minEmbedTextLen {
			continue
		}
		posts = append(posts, c.Post)
	}
	return p.embedPosts(ctx, userDid, posts, embedded, vectorsByURI)
}

// embedLikedPosts embeds the user's recent like/repost subjects and explicit-more
// posts, returning the interaction weight per URI for profile clustering.
func (p *Pipeline) embedLikedPosts(ctx context.Context, userDid persist.DID, embedded map[string]bool, vectorsByURI map[string][]float32) (map[string]float64, error) {
	now := time.Now()

	interactions, err := p.repos.Interactions.GetRecentByActor(ctx, userDid, now.Add(-likedLookback), likedCap)
	if err != nil {
		return nil, err
	}

	weights := make(map[string]float64)
	for _, in := range interactions {
		switch in.Type {
		case persist.InteractionTypeLike:
			if weights[in.Target] < weightLike {
				weights[in.Target] = weightLike
			}
		case persist.InteractionTypeRepost:
			if weights[in.Target] < weightRepost {
				weights[in.Target] = weightRepost
			}
		}
	}

	moreURIs, err := p.repos.Feedback.GetRecentPositiveURIs(ctx, userDid, now.Add(-feedbackLookback))
	if err != nil {
		return nil, err
	}
	for _, uri := range moreURIs {
		weights[uri] = weightRequestMore
	}

	var missing []string
	for uri := range weights {
		if !embedded[uri] {
			missing = append(missing, uri)
		}
	}
	if len(missing) > 0 {
		posts, err := p.repos.Posts.GetByURIs(ctx, missing)
		if err != nil {
			return nil, err
		}
		if err := p.embedPosts(ctx, userDid, posts, embedded, vectorsByURI); err != nil {
			return nil, err
		}
	}

	return weights, nil
}

// embedPosts embeds the given posts and upserts the vectors under this user. Posts
// with images or missing text are hydrated through the AppView first.
func (p *Pipeline) embedPosts(ctx context.Context, userDid persist.DID, posts []persist.Post, embedded map[string]bool, vectorsByURI map[string][]float32) error {
	if len(posts) == 0 {
		return nil
	}

	var inputs []EmbedInput
	var needView []string
	byURI := make(map[string]persist.Post, len(posts))
	for _, post := range posts {
		byURI[post.URI] = post
		if post.HasImage || post.Text == nil {
			needView = append(needView, post.URI)
			continue
		}
		inputs = append(inputs, EmbedInput{URI: post.URI, Text: *post.Text})
	}

	if len(needView) > 0 {
		views, err := p.api.GetPostViews(ctx, needView)
		if err != nil {
			logger.For(ctx).Warnf("post hydration failed, embedding text only: %s", err)
		}
		hydrated := make(map[string]bool, len(views))
		for _, view := range views {
			hydrated[view.URI] = true
			inputs = append(inputs, EmbedInput{
				URI:       view.URI,
				Text:      view.Text,
				ImageURLs: view.ImageURLs,
				AltText:   view.AltTexts,
			})
		}
		for _, uri := range needView {
			if hydrated[uri] {
				continue
			}
			if post := byURI[uri]; post.Text != nil {
				inputs = append(inputs, EmbedInput{URI: uri, Text: *post.Text})
			}
		}
	}

	vectors, err := p.embedder.Embed(ctx, inputs)
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}

	points := make([]qdrant.Point, 0, len(vectors))
	for uri, vec := range vectors {
		post := byURI[uri]
		points = append(points, qdrant.Point{
			ID:     PointID(userDid, uri),
			Vector: vec,
			Payload: map[string]interface{}{
				"uri":          uri,
				"author":       string(post.Author),
				"indexedAt":    post.IndexedAt.UnixMilli(),
				"likeCount":    post.LikeCount,
				"discoveredBy": string(userDid),
			},
		})
		embedded[uri] = true
		vectorsByURI[uri] = vec
	}

	return p.vectors.Upsert(ctx, qdrant.PostEmbeddings, points)
}

// buildProfile clusters the user's liked-post vectors into interest centroids and
// replaces the stored profile.
func (p *Pipeline) buildProfile(ctx context.Context, userDid persist.DID, likedWeights map[string]float64, vectorsByURI map[string][]float32) ([]Centroid, error) {
	var inputs []ClusterInput
	for uri, weight := range likedWeights {
		vec, ok := vectorsByURI[uri]
		if !ok {
			continue
		}
		interactionType := "like"
		switch weight {
		case weightRepost:
			interactionType = "repost"
		case weightRequestMore:
			interactionType = "requestMore"
		}
		inputs = append(inputs, ClusterInput{Vector: vec, Weight: weight, InteractionType: interactionType})
	}
	if len(inputs) < minProfileVectors {
		return nil, nil
	}

	centroids, err := p.clusterer.Cluster(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(centroids) == 0 {
		return nil, nil
	}

	// Replace the stored profile wholesale.
	if err := p.vectors.DeleteByFilter(ctx, qdrant.UserProfiles, qdrant.Filter{
		Must: []qdrant.Match{{Key: "userDid", Value: string(userDid)}},
	}); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	points := make([]qdrant.Point, len(centroids))
	for i, c := range centroids {
		points[i] = qdrant.Point{
			ID:     PointID(userDid, fmt.Sprintf("centroid:%d", c.ClusterID)),
			Vector: c.Centroid,
			Payload: map[string]interface{}{
				"userDid":   string(userDid),
				"clusterId": c.ClusterID,
				"weight":    c.Weight,
				"postCount": c.PostCount,
				"updatedAt": now,
			},
		}
	}
	if err := p.vectors.Upsert(ctx, qdrant.UserProfiles, points); err != nil {
		return nil, err
	}

	return centroids, nil
}

// search runs the ANN query per centroid and assembles the deduplicated batch rows.
func (p *Pipeline) search(ctx context.Context, userDid persist.DID, centroids []Centroid, pipelineScores map[string]float64) ([]persist.CandidateBatchRow, error) {
	targets, err := p.repos.Interactions.GetActorTargets(ctx, userDid,
		[]persist.InteractionType{persist.InteractionTypeLike})
	if err != nil {
		return nil, err
	}
	liked := make(map[string]bool, len(targets[persist.InteractionTypeLike]))
	for _, uri := range targets[persist.InteractionTypeLike] {
		liked[uri] = true
	}

	seenCounts, err := p.repos.Seen.CountsForUser(ctx, userDid, time.Now().Add(-feedbackLookback))
	if err != nil {
		return nil, err
	}

	lowRepDids, err := p.repos.Taste.GetLowReputationDids(ctx, userDid, lowReputationFloor)
	if err != nil {
		return nil, err
	}
	lowRep := make(map[string]bool, len(lowRepDids))
	for _, did := range lowRepDids {
		lowRep[string(did)] = true
	}

	filter := qdrant.Filter{Must: []qdrant.Match{{Key: "discoveredBy", Value: string(userDid)}}}
	best := make(map[string]persist.CandidateBatchRow)

	for _, centroid := range centroids {
		limit := int(math.Round(searchWeightLimit*centroid.Weight)) + searchBaseLimit

		hits, err := p.vectors.Search(ctx, qdrant.PostEmbeddings, centroid.Centroid, limit, searchScoreThreshold, filter)
		if err != nil {
			logger.For(ctx).Warnf("semantic search failed for centroid %d: %s", centroid.ClusterID, err)
			continue
		}

		for _, hit := range hits {
			uri, _ := hit.Payload["uri"].(string)
			author, _ := hit.Payload["author"].(string)
			if uri == "" || liked[uri] || seenCounts[uri] >= seenDropThreshold || lowRep[author] {
				continue
			}

			pipelineScore, ok := pipelineScores[uri]
			if !ok {
				pipelineScore = discoverySandboxScore
			}

			if existing, ok := best[uri]; !ok || hit.Score > existing.SemanticScore {
				best[uri] = persist.CandidateBatchRow{
					URI:           uri,
					SemanticScore: hit.Score,
					PipelineScore: pipelineScore,
					CentroidID:    centroid.ClusterID,
				}
			}
		}
	}

	rows := make([]persist.CandidateBatchRow, 0, len(best))
	for _, row := range best {
		rows = append(rows, row)
	}
	sortRowsBySemanticScore(rows)
	if len(rows) > batchSizeCap {
		rows = rows[:batchSizeCap]
	}
	return rows, nil
}

func sortRowsBySemanticScore(rows []persist.CandidateBatchRow) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].SemanticScore > rows[j].SemanticScore
	})
}

// GC removes expired batch rows and prunes embedding points no batch references.
func (p *Pipeline) GC(ctx context.Context, userDids []persist.DID) {
	removed, err := p.repos.Batches.DeleteBefore(ctx, time.Now().Add(-persist.CandidateBatchTTL))
	if err != nil {
		logger.For(ctx).Errorf("batch gc failed: %s", err)
	} else if removed > 0 {
		logger.For(ctx).Infof("batch gc removed %d rows", removed)
	}

	referenced, err := p.repos.Batches.DistinctURIs(ctx)
	if err != nil {
		logger.For(ctx).Errorf("batch uri listing failed: %s", err)
		return
	}
	refSet := make(map[string]bool, len(referenced))
	for _, uri := range referenced {
		refSet[uri] = true
	}

	cutoff := time.Now().Add(-orphanMinAge).UnixMilli()
	for _, userDid := range userDids {
		filter := qdrant.Filter{Must: []qdrant.Match{{Key: "discoveredBy", Value: string(userDid)}}}

		var orphans []uint64
		var offset interface{}
		for {
			points, next, err := p.vectors.Scroll(ctx, qdrant.PostEmbeddings, filter, 500, offset, false)
			if err != nil {
				logger.For(ctx).Errorf("embedding scroll failed for %s: %s", userDid, err)
				break
			}
			for _, pt := range points {
				uri, _ := pt.Payload["uri"].(string)
				indexedAt, _ := pt.Payload["indexedAt"].(float64)
				if uri != "" && !refSet[uri] && int64(indexedAt) < cutoff {
					orphans = append(orphans, pt.ID)
				}
			}
			if next == nil || len(points) == 0 {
				break
			}
			offset = next
		}

		if len(orphans) > 0 {
			if err := p.vectors.DeleteByIDs(ctx, qdrant.PostEmbeddings, orphans); err != nil {
				logger.For(ctx).Errorf("orphan embedding delete failed for %s: %s", userDid, err)
			} else {
				logger.For(ctx).Infof("pruned %d orphan embeddings for %s", len(orphans), userDid)
			}
		}
	}
}

// PointID derives the deterministic vector-index point id for a (user, uri) pair.
func PointID(userDid persist.DID, uri string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(userDid))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	return h.Sum64()
}

// newBatchID returns a short hex id: two timestamp bytes and two random bytes.
func newBatchID() (string, error) {
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[:2], uint16(time.Now().Unix()))
	if _, err := rand.Read(buf[2:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
