package intelligence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openmemory/openmemory-go/pkg/intelligence"
)

func TestClassify_Episodic(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("Yesterday I went to the dentist and then met with Sam", "")
	assert.Equal(t, intelligence.SectorEpisodic, got)
}

func TestClassify_Procedural(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("How to deploy: first, build the image. Then, run the command.", "")
	assert.Equal(t, intelligence.SectorProcedural, got)
}

func TestClassify_CodeShape(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("func main() {\n\tfmt.Println(\"hi\")\n}", "")
	assert.Equal(t, intelligence.SectorProcedural, got)
}

func TestClassify_Emotional(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("I felt really anxious and worried about the launch", "")
	assert.Equal(t, intelligence.SectorEmotional, got)
}

func TestClassify_HintWins(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("Yesterday I went to the store", "reflective")
	assert.Equal(t, intelligence.SectorReflective, got)
}

func TestClassify_InvalidHintIgnored(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("Yesterday I went to the store", "bogus")
	assert.Equal(t, intelligence.SectorEpisodic, got)
}

func TestClassify_DefaultsSemantic(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Classify("lorem ipsum dolor sit amet", "")
	assert.Equal(t, intelligence.SectorSemantic, got)
}

func TestSectors_PrimaryFirst(t *testing.T) {
	c := intelligence.NewClassifier()
	got := c.Sectors("Yesterday I was so happy about the trip", "")
	assert.Equal(t, intelligence.SectorEpisodic, got[0])
	assert.Contains(t, got, intelligence.SectorEmotional)
}

func TestDecay_Linear(t *testing.T) {
	// 0.02/day for 10 days takes 1.0 down to 0.8.
	got := intelligence.Decay(1.0, 0.02, 10*24*time.Hour)
	assert.InDelta(t, 0.8, got, 1e-9)
}

func TestDecay_ClampsAtZero(t *testing.T) {
	got := intelligence.Decay(0.5, 0.02, 1000*24*time.Hour)
	assert.Equal(t, 0.0, got)
}

func TestDecay_NoElapsedNoChange(t *testing.T) {
	assert.Equal(t, 0.7, intelligence.Decay(0.7, 0.02, 0))
}

func TestShouldArchive(t *testing.T) {
	assert.True(t, intelligence.ShouldArchive(0.04))
	assert.False(t, intelligence.ShouldArchive(0.05))
}

func TestReinforce_Clamped(t *testing.T) {
	assert.Equal(t, 0.9, intelligence.Reinforce(0.8, 0.1))
	assert.Equal(t, intelligence.MaxSalience, intelligence.Reinforce(0.95, 0.5))
}

func TestAccessBoost_DiminishingReturns(t *testing.T) {
	assert.Equal(t, 0.0, intelligence.AccessBoost(0))
	one := intelligence.AccessBoost(1)
	two := intelligence.AccessBoost(2)
	nine := intelligence.AccessBoost(9)
	ten := intelligence.AccessBoost(10)
	assert.Greater(t, ten, one)
	// Each additional access adds less than the one before it.
	assert.Less(t, ten-nine, two-one)
}

func TestRecencyScore_HalfLife(t *testing.T) {
	halfLife := 7 * 24 * time.Hour
	assert.InDelta(t, 1.0, intelligence.RecencyScore(0, halfLife), 1e-9)
	assert.InDelta(t, 0.5, intelligence.RecencyScore(halfLife, halfLife), 1e-9)
	assert.InDelta(t, 0.25, intelligence.RecencyScore(2*halfLife, halfLife), 1e-9)
}
