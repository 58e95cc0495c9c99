package media

import (
	"errors"
	"fmt"

	"github.com/book-expert/media-service/internal/core"
)

// ErrInvalidQuality indicates an unknown quality tier.
var ErrInvalidQuality = errors.New("invalid quality")

// ParseQuality validates a tier name. The empty string means "any".
func ParseQuality(value string) (core.Quality, error) {
	quality := core.Quality(value)

	switch quality {
	case "", core.QualityDraft, core.QualityStandard, core.QualityHigh:
		return quality, nil
	default:
		return "", fmt.Errorf("%w: %q (want draft, standard or high)", ErrInvalidQuality, value)
	}
}

// ParseQualities validates a list of tier names.
func ParseQualities(values []string) ([]core.Quality, error) {
	out := make([]core.Quality, 0, len(values))

	for _, value := range values {
		quality, err := ParseQuality(value)
		if err != nil {
			return nil, err
		}

		if quality != "" {
			out = append(out, quality)
		}
	}

	return out, nil
}
