package cluster

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger creates the hclog.Logger handed to Raft. Raft is chatty, so
// it stays silent unless a level is configured.
func newRaftLogger(level string, output io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if level == "" || lvl == hclog.NoLevel || lvl == hclog.Off || output == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  lvl,
		Output: output,
	})
}
