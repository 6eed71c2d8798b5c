package usecase

import (
	"sort"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

const defaultRRFK = 1

// FusedRow is one identity after reciprocal rank fusion.
type FusedRow struct {
	Key   string
	Score float64
	Hits  []domain.ChannelHit
}

// Best is the highest-scoring native hit, used as the row's representative.
func (r FusedRow) Best() domain.ChannelHit {
	best := r.Hits[0]
	for _, h := range r.Hits[1:] {
		if h.Score > best.Score {
			best = h
		}
	}
	return best
}

// fuseRRF groups hits by channel, ranks each channel by native score and sums 1/(rank+k) per key.
func fuseRRF(hits []domain.ChannelHit, k float64) []FusedRow {
	if len(hits) == 0 {
		return nil
	}
	if k <= 0 {
		k = defaultRRFK
	}

	channelOrder := make([]string, 0, 4)
	byChannel := make(map[string][]domain.ChannelHit)
	for _, h := range hits {
		if _, ok := byChannel[h.Channel]; !ok {
			channelOrder = append(channelOrder, h.Channel)
		}
		byChannel[h.Channel] = append(byChannel[h.Channel], h)
	}

	rowIndex := make(map[string]int, len(hits))
	rows := make([]FusedRow, 0, len(hits))
	for _, channel := range channelOrder {
		group := byChannel[channel]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Score > group[j].Score
		})
		for rank, h := range group {
			idx, ok := rowIndex[h.Key]
			if !ok {
				idx = len(rows)
				rowIndex[h.Key] = idx
				rows = append(rows, FusedRow{Key: h.Key})
			}
			rows[idx].Score += 1.0 / (float64(rank) + k)
			rows[idx].Hits = append(rows[idx].Hits, h)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Score > rows[j].Score
	})
	return rows
}

// hitKey is the stable identity used to join hits across channels.
func hitKey(h domain.SearchHit) string {
	switch {
	case h.Fragment != nil:
		return "fragment:" + h.Fragment.ID
	case h.Row != nil:
		return "row:" + h.Row.ID
	default:
		return "hit:" + h.ID
	}
}

func tagHits(channel string, hits []domain.SearchHit) []domain.ChannelHit {
	out := make([]domain.ChannelHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ChannelHit{
			Channel: channel,
			Key:     hitKey(h),
			Score:   h.Score,
			Hit:     h,
		})
	}
	return out
}

func trimRows(rows []FusedRow, limit int) []FusedRow {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	return rows[:limit]
}
