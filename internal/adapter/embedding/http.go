package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"docexpert/internal/domain"
)

// inputErrorHints are fragments providers put in a 400 body when an input
// is too long to embed.
var inputErrorHints = []string{
	"maximum context length",
	"context length",
	"too long",
	"too many tokens",
	"exceeds",
	"input length",
}

// classifyStatus maps an HTTP failure onto the embedding error taxonomy.
// inputs is the number of texts in the failed request.
func classifyStatus(provider string, status int, body []byte, inputs int) error {
	preview := string(body)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s returned status %d: %s: %w", provider, status, preview, domain.ErrEmbeddingUnavailable)
	case status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return &domain.RejectedError{Index: -1, Reason: fmt.Sprintf("%s returned status %d: %s", provider, status, preview)}
	case status == http.StatusBadRequest && (inputs == 1 || namesInputError(body)):
		return &domain.RejectedError{Index: -1, Reason: fmt.Sprintf("%s returned status %d: %s", provider, status, preview)}
	default:
		return fmt.Errorf("%s returned status %d: %s", provider, status, preview)
	}
}

func namesInputError(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, hint := range inputErrorHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// classifyTransport marks request failures as transient. Context errors
// are returned as they are so callers can tell cancellation apart.
func classifyTransport(provider string, err error) error {
	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s request failed: %w", provider, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s request failed: %w", provider, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s request failed: %w: %w", provider, err, domain.ErrEmbeddingUnavailable)
}
