package composer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loop/internal/tasks"
)

// TimeBuilder sets current_time and current_date from now.
func TimeBuilder(now func() time.Time) Builder {
	if now == nil {
		now = time.Now
	}
	return BuilderFunc(func(_ context.Context, c Context) (Context, error) {
		t := now()
		c["current_time"] = t.Format("15:04:05")
		c["current_date"] = t.Format("Monday, January 2, 2006")
		return c, nil
	})
}

// PlatformBuilder sets platform and cwd.
func PlatformBuilder() Builder {
	return BuilderFunc(func(_ context.Context, c Context) (Context, error) {
		c["platform"] = runtime.GOOS + "/" + runtime.GOARCH
		if wd, err := os.Getwd(); err == nil {
			c["cwd"] = wd
		}
		return c, nil
	})
}

// ProfileBuilder sets profile to the agent's SOUL.md, Agent.md and GOALS.md
// under dir/agentID, joined by separators. Missing files are skipped.
func ProfileBuilder(dir, agentID string) Builder {
	return BuilderFunc(func(_ context.Context, c Context) (Context, error) {
		c["profile"] = LoadProfile(dir, agentID)
		return c, nil
	})
}

// LoadProfile reads the profile files for agentID.
func LoadProfile(dir, agentID string) string {
	base := filepath.Join(dir, agentID)
	var parts []string
	for _, f := range []string{"SOUL.md", "Agent.md", "GOALS.md"} {
		data, err := os.ReadFile(filepath.Join(base, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// TasksBuilder renders the open tasks into tasks.
func TasksBuilder(list *tasks.List) Builder {
	return BuilderFunc(func(_ context.Context, c Context) (Context, error) {
		c["tasks"] = list.Format()
		return c, nil
	})
}

// RegisterBuiltins installs time, platform, profile and tasks, in that order.
func (c *Composer) RegisterBuiltins(profileDir, agentID string, list *tasks.List) {
	c.Register("time", TimeBuilder(nil))
	c.Register("platform", PlatformBuilder())
	c.Register("profile", ProfileBuilder(profileDir, agentID))
	c.Register("tasks", TasksBuilder(list))
}
