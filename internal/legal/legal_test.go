package legal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

func TestStaticRender(t *testing.T) {
	r := Static{Template: "  Terms apply.\n"}
	text, err := r.Render(context.Background(), domain.Offer{Number: "OFF-2026-00001-12", ValidUntil: "2026-02-01T00:00:00Z"}, domain.Specification{})
	require.NoError(t, err)
	assert.Equal(t, "Offer OFF-2026-00001-12\nValid until 2026-02-01\n\nTerms apply.\n", text)
}

func TestStaticRenderEmptyTemplate(t *testing.T) {
	_, err := Static{}.Render(context.Background(), domain.Offer{}, domain.Specification{})
	assert.Error(t, err)
}
