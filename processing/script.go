package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lerfilm/opendrama-sub002/models"
)

// GenerateScript assembles the episode's working script from the
// planned segments. Dialogue generation is still TODO (needs the
// casting/voice pipeline); until then the script is a structured
// narration outline the studio UI can edit.
func GenerateScript(ctx context.Context, series models.Series, episode models.Episode, plans []SegmentPlan) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "SERIES: %s\nEPISODE %d: %s\n\n", series.Title, episode.EpisodeNumber, episode.DisplayTitle())

	for _, plan := range plans {
		fmt.Fprintf(&sb, "SEGMENT %d (%.1fs)\n%s\n\n", plan.Index, plan.DurationSec, plan.Description)
	}

	return sb.String(), nil
}
