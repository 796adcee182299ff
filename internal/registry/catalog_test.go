package registry

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledCatalog(names ...string) *Catalog[string] {
	c := NewCatalog[string]("tool")
	for _, n := range names {
		c.Put(n, n)
	}
	return c
}

func TestPageReconstructsSortedNames(t *testing.T) {
	for _, size := range []int{0, 1, 2, 7, 31} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			names := make([]string, size)
			for i := range names {
				names[i] = fmt.Sprintf("tool_%03d", rand.Intn(1000000))
			}
			c := filledCatalog(names...)

			all, next, err := c.Page("", 0)
			require.NoError(t, err)
			assert.Empty(t, next)
			assert.Equal(t, c.Names(), all)

			for _, limit := range []int{1, 2, 5} {
				var paged []string
				cursor := ""
				for {
					items, next, err := c.Page(cursor, limit)
					require.NoError(t, err)
					assert.LessOrEqual(t, len(items), limit)
					paged = append(paged, items...)
					if next == "" {
						break
					}
					cursor = next
				}
				if len(all) == 0 {
					assert.Empty(t, paged)
				} else {
					assert.Equal(t, all, paged, "limit %d", limit)
				}
			}
		})
	}
}

func TestPageCursorBounds(t *testing.T) {
	c := filledCatalog("a", "b", "c")

	items, next, err := c.Page("3", 1)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, next)

	items, next, err = c.Page("1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, items)
	assert.Equal(t, "2", next)

	items, next, err = c.Page("2", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, items)
	assert.Empty(t, next)

	for _, bad := range []string{"4", "-1", "abc", "1.5", "999999"} {
		t.Run(bad, func(t *testing.T) {
			_, _, err := c.Page(bad, 1)
			require.Error(t, err)
			assert.True(t, IsPaginationError(err))
			assert.Contains(t, err.Error(), "cursor")
		})
	}
}

func TestPageLimit(t *testing.T) {
	n, err := PageLimit(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	five := 5
	n, err = PageLimit(&five)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, bad := range []int{0, -3} {
		_, err := PageLimit(&bad)
		assert.True(t, IsPaginationError(err))
	}

	_, _, err = filledCatalog("a").Page("", -1)
	assert.True(t, IsPaginationError(err))
}

func TestCatalogOverwriteAndChange(t *testing.T) {
	c := NewCatalog[int]("tool")
	var changes [][]string
	c.OnChange(func(names []string) { changes = append(changes, names) })

	c.Put("x", 1)
	c.Put("x", 2)
	v, ok := c.Get("x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Remove("x"))
	assert.False(t, c.Remove("x"))
	assert.Equal(t, [][]string{{"x"}, {"x"}, {"x"}}, changes)
}

func TestLookupSuggestion(t *testing.T) {
	c := filledCatalog("linear_model", "summary_statistics", "echo")

	_, err := c.Lookup("linear_modle")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "linear_model", nf.Suggestion)
	assert.Contains(t, err.Error(), `Did you mean "linear_model"?`)

	_, err = c.Lookup("completely_different_thing")
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, nf.Suggestion)
	assert.Contains(t, err.Error(), "completely_different_thing")
}
