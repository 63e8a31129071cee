package intelligence

import (
	"regexp"
	"strings"
)

// Classifier assigns a primary sector to content by keyword and shape
// voting. Classification is pure string work; no model call is involved.
type Classifier struct{}

// NewClassifier returns the rule-based classifier.
func NewClassifier() *Classifier { return &Classifier{} }

var (
	codeShape = regexp.MustCompile("(?s)```|\\bfunc \\w+\\(|\\bdef \\w+\\(|\\bclass \\w+|=>|;\\s*$|\\{\\s*$")

	stepShape = regexp.MustCompile(`(?m)^\s*(\d+[.)]|step \d+|first,|then,|finally,)`)

	sectorKeywords = map[Sector][]string{
		SectorEpisodic: {
			"yesterday", "today", "last week", "this morning", "happened",
			"went to", "met with", "attended", "visited", "remember when",
		},
		SectorSemantic: {
			"is a", "are a", "means", "defined as", "prefers", "likes",
			"dislikes", "favorite", "always", "never", "fact",
		},
		SectorProcedural: {
			"how to", "in order to", "install", "configure", "run the",
			"command", "deploy", "build", "compile", "procedure",
		},
		SectorReflective: {
			"i realized", "looking back", "in summary", "pattern",
			"i noticed", "reflection", "overall", "i tend to",
		},
		SectorEmotional: {
			"i feel", "i felt", "happy", "sad", "angry", "frustrated",
			"excited", "anxious", "love", "hate", "worried", "proud",
		},
	}
)

// Classify returns the winning sector for content. A caller-supplied hint
// naming a valid sector wins outright. Ties and no-signal content default
// to the semantic sector.
func (c *Classifier) Classify(content, hint string) Sector {
	if ValidSector(hint) {
		return Sector(hint)
	}
	lower := strings.ToLower(content)

	votes := map[Sector]int{}
	for sector, words := range sectorKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				votes[sector]++
			}
		}
	}
	// Structural signals outweigh single keyword hits.
	if codeShape.MatchString(content) {
		votes[SectorProcedural] += 3
	}
	if stepShape.MatchString(lower) {
		votes[SectorProcedural] += 2
	}

	best := SectorSemantic
	bestVotes := 0
	for _, sector := range AllSectors {
		if votes[sector] > bestVotes {
			best = sector
			bestVotes = votes[sector]
		}
	}
	return best
}

// Sectors returns the sectors with any signal for content, strongest
// first, always including the primary. Used to fan out additional vectors.
func (c *Classifier) Sectors(content, hint string) []Sector {
	primary := c.Classify(content, hint)
	out := []Sector{primary}
	lower := strings.ToLower(content)
	for _, sector := range AllSectors {
		if sector == primary {
			continue
		}
		for _, w := range sectorKeywords[sector] {
			if strings.Contains(lower, w) {
				out = append(out, sector)
				break
			}
		}
	}
	return out
}
