// Package legal supplies the legal text snapshot stored on each offer.
package legal

import (
	"context"
	"fmt"
	"strings"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

// Renderer produces the legal text frozen into an offer at creation time.
type Renderer interface {
	Render(ctx context.Context, offer domain.Offer, spec domain.Specification) (string, error)
}

// Static renders a fixed template under a short header naming the offer. Variable
// substitution inside the template body is not performed.
type Static struct {
	Template string
}

func (s Static) Render(_ context.Context, offer domain.Offer, _ domain.Specification) (string, error) {
	body := strings.TrimSpace(s.Template)
	if body == "" {
		return "", fmt.Errorf("legal template is empty")
	}
	validUntil := offer.ValidUntil
	if len(validUntil) >= 10 {
		validUntil = validUntil[:10]
	}
	return fmt.Sprintf("Offer %s\nValid until %s\n\n%s\n", offer.Number, validUntil, body), nil
}

// Func adapts a function to Renderer.
type Func func(ctx context.Context, offer domain.Offer, spec domain.Specification) (string, error)

func (f Func) Render(ctx context.Context, offer domain.Offer, spec domain.Specification) (string, error) {
	return f(ctx, offer, spec)
}
