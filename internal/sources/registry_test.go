package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRelation(t *testing.T) {
	t.Parallel()

	vocab := Registry().Vocabulary
	tests := []struct {
		label string
		want  string
	}{
		{"Shfuqizon", "shfuqizon"},
		{"ndryshon", "ndryshon"},
		{"  Ndryshon   pjesërisht ", "ndryshon pjesërisht"},
		{"shfuqizon pjesërisht aktin", "shfuqizon pjesërisht"},
		{"plotësohet me", "plotësohet"},
		{"i referohet", "related"},
		{"", "related"},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifyRelation(vocab, tt.label))
		})
	}
}

func TestDetailURL(t *testing.T) {
	t.Parallel()

	p := Registry()
	assert.Equal(t, "https://gzk.rks-gov.net/ActDetail.aspx?ActID=101", p.DetailURL("101"))
}

func TestWithBaseURLRewritesListings(t *testing.T) {
	t.Parallel()

	p, err := Registry().WithBaseURL("http://127.0.0.1:8080")
	require.NoError(t, err)
	require.Len(t, p.Listings, 1)
	assert.Equal(t, "http://127.0.0.1:8080/LocalInstActsList.aspx", p.Listings[0].URL)
	assert.Equal(t, "http://127.0.0.1:8080/ActDetail.aspx?ActID=5", p.DetailURL("5"))
	assert.Equal(t, []string{"127.0.0.1"}, p.Language.Hosts)

	_, err = Registry().WithBaseURL("::bad")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Registry().Validate())

	p := Registry().WithListings([]Listing{{Category: "A", URL: "https://x/a"}, {Category: "A", URL: "https://x/b"}})
	require.ErrorContains(t, p.Validate(), "duplicate")

	p = Registry().WithListings([]Listing{{Category: "", URL: "https://x/a"}})
	require.Error(t, p.Validate())

	p = Registry().WithListings([]Listing{{Category: "B", URL: "not a url"}})
	require.Error(t, p.Validate())

	p = Registry()
	p.Listings = nil
	require.Error(t, p.Validate())
}
