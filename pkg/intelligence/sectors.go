// Package intelligence holds the content-side heuristics: sector
// classification, salience decay and reinforcement.
package intelligence

// Sector partitions the memory space. Each memory has one primary sector
// and its vectors are stored per sector.
type Sector string

const (
	// SectorEpisodic holds events and experiences tied to a moment.
	SectorEpisodic Sector = "episodic"

	// SectorSemantic holds facts, knowledge and preferences.
	SectorSemantic Sector = "semantic"

	// SectorProcedural holds how-to content, steps and code.
	SectorProcedural Sector = "procedural"

	// SectorReflective holds generated summaries and meta-observations.
	SectorReflective Sector = "reflective"

	// SectorEmotional holds affect-laden content.
	SectorEmotional Sector = "emotional"
)

// AllSectors lists every sector in stable order.
var AllSectors = []Sector{
	SectorEpisodic,
	SectorSemantic,
	SectorProcedural,
	SectorReflective,
	SectorEmotional,
}

// ValidSector reports whether s names a known sector.
func ValidSector(s string) bool {
	for _, sec := range AllSectors {
		if string(sec) == s {
			return true
		}
	}
	return false
}
