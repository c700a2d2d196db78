package model

// Rank is a tier label earned by accumulating points.
type Rank struct {
	Label     string `json:"label"`
	MinPoints int64  `json:"minPoints"`
}

// ranks is ordered from the highest threshold down; RankFor returns the first
// tier the points reach.
var ranks = []Rank{
	{Label: "Legend", MinPoints: 1000},
	{Label: "Gold Helper", MinPoints: 500},
	{Label: "Silver Helper", MinPoints: 250},
	{Label: "Helper", MinPoints: 0},
}

// RankFor maps points to a tier. Negative points, which increments alone
// never produce, still map to the lowest tier.
func RankFor(points int64) Rank {
	for _, r := range ranks {
		if points >= r.MinPoints {
			return r
		}
	}
	return ranks[len(ranks)-1]
}
