package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(ps []Persona) []string {
	out := make([]string, len(ps))
	for i := range ps {
		out[i] = ps[i].ID
	}
	return out
}

func TestDetectPersonas(t *testing.T) {
	catalog := []Persona{
		{ID: "john", Name: "John"},
		{ID: "sarah", Name: "Sarah", Aliases: []string{"Sally"}},
		{ID: "alex", Name: "Alex"},
		{ID: "alexkim", Name: "Alex Kim"},
		{ID: "cam", Name: "Cam"},
	}

	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{"single name", "Sarah presenting an idea with excitement", []string{"sarah"}},
		{"case insensitive alias", "SALLY at the beach", []string{"sarah"}},
		{"catalog order", "Alex and John having a conversation", []string{"john", "alex"}},
		{"whole word only", "Camera pans over Johnson's desk", nil},
		{"longer overlapping name wins", "Alex Kim giving a talk", []string{"alexkim"}},
		{"both when not overlapping", "Alex Kim meets Alex", []string{"alex", "alexkim"}},
		{"punctuation boundary", "(john), reading", []string{"john"}},
		{"nothing", "A beautiful sunset over the ocean", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectPersonas(tt.prompt, catalog)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestDetectPersonas_EmptyInputs(t *testing.T) {
	assert.Empty(t, DetectPersonas("", []Persona{{ID: "a", Name: "A"}}))
	assert.Empty(t, DetectPersonas("hello", nil))
}

func TestFindWholeWord(t *testing.T) {
	spans := findWholeWord("alex, alex and alexander", "alex")
	require.Len(t, spans, 2)
	assert.Equal(t, [2]int{0, 4}, spans[0])
	assert.Equal(t, [2]int{6, 10}, spans[1])
}

func TestPersonaNames(t *testing.T) {
	p := Persona{Name: "Sarah", Aliases: []string{" sarah ", "Sally", ""}}
	assert.Equal(t, []string{"Sarah", "Sally"}, p.Names())
}

func TestLookup(t *testing.T) {
	catalog := []Persona{{ID: "p1", Name: "John"}, {ID: "p2", Name: "Sarah", Aliases: []string{"Sally"}}}

	p, ok := Lookup(catalog, "p2")
	require.True(t, ok)
	assert.Equal(t, "Sarah", p.Name)

	p, ok = Lookup(catalog, "sally")
	require.True(t, ok)
	assert.Equal(t, "p2", p.ID)

	_, ok = Lookup(catalog, "nobody")
	assert.False(t, ok)
	_, ok = Lookup(catalog, " ")
	assert.False(t, ok)
}
