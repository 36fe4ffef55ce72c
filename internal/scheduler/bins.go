package scheduler

import (
	"fmt"
	"strings"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// binKey builds the "channel_id:arch" equivalence class a task or host capability falls
// into. noarch is its own bin, distinct from any concrete arch.
func binKey(channelId int64, arch string) string {
	return fmt.Sprintf("%d:%s", channelId, arch)
}

// taskBin returns the single bin a free task belongs to.
func taskBin(t database.Task) string {
	return binKey(t.ChannelId, t.Arch)
}

// hostBins returns every bin a host belongs to: the Cartesian product of its channel
// memberships and its declared arches, plus the corresponding noarch bin for each channel.
func hostBins(channels []int64, arches string) []string {
	archTokens := strings.Fields(arches)
	bins := make([]string, 0, len(channels)*(len(archTokens)+1))
	for _, channelId := range channels {
		bins = append(bins, binKey(channelId, database.NoArch))
		for _, arch := range archTokens {
			if arch == database.NoArch {
				continue
			}
			bins = append(bins, binKey(channelId, arch))
		}
	}
	return bins
}
