package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/store"
)

const (
	minLocalQuery = 5
	// minWordLen drops one-letter query words. This is stricter than plain
	// stop-word filtering: a lone "x" or "c" never scores.
	minWordLen = 2
)

var nonAlnum = regexp.MustCompile(`[^\p{L}\p{N}]+`)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all am an and any are as at be because
		been before being below between both but by can could did do does doing down during each few for from
		further had has have having he her here hers herself him himself his how i if in into is it its itself
		just me more most my myself no nor not now of off on once only or other our ours ourselves out over own
		same she should so some such than that the their theirs them themselves then there these they this those
		through to too under until up very was we were what when where which while who whom why will with would
		you your yours yourself yourselves tell know think please thanks thank hi hello hey want need like`) {
		stopWords[w] = struct{}{}
	}
}

// LocalRecaller scores stored memories without any network call. Matching
// is approximate: a keyword matches when it contains a query word or a
// query word contains it.
type LocalRecaller struct {
	store store.MemoryStore
}

func NewLocalRecaller(memories store.MemoryStore) *LocalRecaller {
	return &LocalRecaller{store: memories}
}

// QueryWords lowercases query, strips non-alphanumerics and removes stop
// words and single characters.
func QueryWords(query string) []string {
	fields := strings.Fields(nonAlnum.ReplaceAllString(strings.ToLower(query), " "))
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		if len([]rune(w)) < minWordLen {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func (r *LocalRecaller) Recall(ctx context.Context, userID, query string) []domain.Memory {
	if len(strings.TrimSpace(query)) < minLocalQuery {
		return []domain.Memory{}
	}
	words := QueryWords(query)
	if len(words) == 0 {
		return []domain.Memory{}
	}
	all, err := r.store.ListMemories(ctx, userID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("local memory load failed", "err", err)
		return []domain.Memory{}
	}

	type scored struct {
		mem   domain.Memory
		score int
	}
	matches := make([]scored, 0, len(all))
	for _, m := range all {
		if s := scoreMemory(m.Keywords, words); s > 0 {
			matches = append(matches, scored{mem: m, score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].mem.CreatedAt.After(matches[j].mem.CreatedAt)
	})
	if len(matches) > DisplayLimit {
		matches = matches[:DisplayLimit]
	}
	out := make([]domain.Memory, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.mem)
	}
	return out
}

// scoreMemory counts keywords that contain, or are contained in, any query
// word.
func scoreMemory(keywords, words []string) int {
	score := 0
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		for _, w := range words {
			if strings.Contains(k, w) || strings.Contains(w, k) {
				score++
				break
			}
		}
	}
	return score
}
