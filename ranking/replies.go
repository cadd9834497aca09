package ranking

import (
	"sort"

	"github.com/wavelength-social/wavelength/persist"
)

// threadStats is the per-root summary of the reply candidates in one conversation.
type threadStats struct {
	Root        string
	MultiPerson bool
	OpBoost     float64

	GraphReplies int
	// Reply counts per author within the thread, for repetition penalties.
	AuthorReplies map[persist.DID]int
	// Longest consecutive same-author run, per author.
	AuthorChains map[persist.DID]int
}

// analyzeThreads groups reply candidates by root and summarizes each conversation.
func analyzeThreads(uc *userContext, candidates []*Candidate) map[string]*threadStats {
	byRoot := make(map[string][]*Candidate)
	for _, c := range candidates {
		if !c.Post.IsReply() || c.Post.ReplyRoot == nil {
			continue
		}
		byRoot[*c.Post.ReplyRoot] = append(byRoot[*c.Post.ReplyRoot], c)
	}

	stats := make(map[string]*threadStats, len(byRoot))
	for root, replies := range byRoot {
		sort.Slice(replies, func(i, j int) bool {
			return replies[i].Post.IndexedAt.Before(replies[j].Post.IndexedAt)
		})

		st := &threadStats{
			Root:          root,
			AuthorReplies: make(map[persist.DID]int),
			AuthorChains:  make(map[persist.DID]int),
		}

		var l1Replies, l2Replies, mutualReplies, graphReplies int
		graphAuthors := make(map[persist.DID]bool)

		var prevAuthor persist.DID
		chain := 0
		for _, r := range replies {
			author := r.Post.Author
			st.AuthorReplies[author]++

			if author == prevAuthor {
				chain++
			} else {
				chain = 1
				prevAuthor = author
			}
			if chain > st.AuthorChains[author] {
				st.AuthorChains[author] = chain
			}

			if uc.Mutuals[author] {
				mutualReplies++
			}
			if uc.L1[author] {
				l1Replies++
			} else if uc.L2[author] {
				l2Replies++
			}
			if uc.InGraph(author) {
				graphReplies++
				graphAuthors[author] = true
			}
		}

		st.GraphReplies = graphReplies
		st.MultiPerson = graphReplies >= 2 && len(graphAuthors) >= 2

		st.OpBoost = 150*float64(l1Replies) + 75*float64(l2Replies) + 200*float64(mutualReplies)
		switch {
		case graphReplies >= 5:
			st.OpBoost += 500
		case graphReplies >= 3:
			st.OpBoost += 300
		}

		stats[root] = st
	}

	return stats
}
