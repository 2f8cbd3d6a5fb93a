package domain

// Rank is a rank tier on the remote ranking service's ladder, ordered from
// D at the bottom to X at the top. The service encodes "unranked" as "z".
type Rank string

const (
	RankUnranked Rank = "z"
	RankD        Rank = "d"
	RankDPlus    Rank = "d+"
	RankCMinus   Rank = "c-"
	RankC        Rank = "c"
	RankCPlus    Rank = "c+"
	RankBMinus   Rank = "b-"
	RankB        Rank = "b"
	RankBPlus    Rank = "b+"
	RankAMinus   Rank = "a-"
	RankA        Rank = "a"
	RankAPlus    Rank = "a+"
	RankSMinus   Rank = "s-"
	RankS        Rank = "s"
	RankSPlus    Rank = "s+"
	RankSS       Rank = "ss"
	RankU        Rank = "u"
	RankX        Rank = "x"
)

var rankOrder = map[Rank]int{
	RankUnranked: 0,
	RankD:        1,
	RankDPlus:    2,
	RankCMinus:   3,
	RankC:        4,
	RankCPlus:    5,
	RankBMinus:   6,
	RankB:        7,
	RankBPlus:    8,
	RankAMinus:   9,
	RankA:        10,
	RankAPlus:    11,
	RankSMinus:   12,
	RankS:        13,
	RankSPlus:    14,
	RankSS:       15,
	RankU:        16,
	RankX:        17,
}

// Colors used when rendering a rank in embeds, one per tier.
var rankColors = map[Rank]string{
	RankUnranked: "828282",
	RankD:        "856C84",
	RankDPlus:    "815880",
	RankCMinus:   "6C417C",
	RankC:        "67287B",
	RankCPlus:    "522278",
	RankBMinus:   "5949BE",
	RankB:        "4357B5",
	RankBPlus:    "4880B2",
	RankAMinus:   "35AA8C",
	RankA:        "3EA750",
	RankAPlus:    "43b536",
	RankSMinus:   "B79E2B",
	RankS:        "d19e26",
	RankSPlus:    "dbaf37",
	RankSS:       "e39d3b",
	RankU:        "c75c2e",
	RankX:        "b852bf",
}

// ParseRank maps a rank string from the remote service to a Rank. Anything
// unrecognized is treated as unranked.
func ParseRank(s string) Rank {
	if _, ok := rankOrder[Rank(s)]; ok {
		return Rank(s)
	}
	return RankUnranked
}

// Order returns the position of the rank on the ladder, 0 for unranked.
func (r Rank) Order() int {
	return rankOrder[r]
}

// Color returns the hex color associated with the rank tier.
func (r Rank) Color() string {
	if c, ok := rankColors[r]; ok {
		return c
	}
	return rankColors[RankUnranked]
}

// Ranked reports whether the tier is an actual placement.
func (r Rank) Ranked() bool {
	return r.Order() > 0
}
