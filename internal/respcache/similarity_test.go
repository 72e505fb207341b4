package respcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTFIDFCosine(t *testing.T) {
	docs := [][]string{
		{"cough", "fever", "sore_throat"},
		{"itching", "rash"},
		{},
		{"cough", "fever", "headache", "sore_throat"},
	}
	sims := tfidfCosine([]string{"cough", "fever", "sore_throat"}, docs)

	assert.InDelta(t, 1.0, sims[0], 1e-9)
	assert.Zero(t, sims[1])
	assert.Zero(t, sims[2])
	assert.Greater(t, sims[3], 0.5)
	assert.Less(t, sims[3], 1.0)

	assert.Equal(t, []float64{0}, tfidfCosine(nil, [][]string{{"cough"}}))
}

func TestKey_ScopedByDoctorAndStage(t *testing.T) {
	tokens := []string{"cough", "fever"}
	k := Key(tokens, "dr-a", "INQUIRY")

	assert.Len(t, k, 64)
	assert.Equal(t, k, Key([]string{"cough", "fever"}, "dr-a", "INQUIRY"))
	assert.NotEqual(t, k, Key(tokens, "dr-b", "INQUIRY"))
	assert.NotEqual(t, k, Key(tokens, "dr-a", "DIAGNOSIS"))
	// Separators keep token and scope boundaries distinct.
	assert.NotEqual(t, Key([]string{"a"}, "b", ""), Key([]string{"a", "b"}, "", ""))
}
