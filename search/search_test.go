package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeLikeEscapesMetacharacters(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `back\\slash`, escapeLike(`back\slash`))
	assert.Equal(t, "plain", escapeLike("plain"))
}
