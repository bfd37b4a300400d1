package profile

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

//go:embed robots.yml
var robotFiles embed.FS

// robotEntry is one compiled robot signature.
type robotEntry struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`

	compiled *pcre.Regexp
}

var (
	robotsOnce sync.Once
	robotsDB   []robotEntry
)

// loadRobots parses and compiles the embedded robot database. A pattern that
// fails to compile disables that entry only.
func loadRobots() []robotEntry {
	robotsOnce.Do(func() {
		raw, err := robotFiles.ReadFile("robots.yml")
		if err != nil {
			return
		}

		var entries []robotEntry
		if err := yaml.Unmarshal(raw, &entries); err != nil {
			return
		}

		for _, entry := range entries {
			re, err := pcre.Compile(fmt.Sprintf(`(?i)%s`, entry.Regex))
			if err != nil {
				continue
			}
			entry.compiled = re
			robotsDB = append(robotsDB, entry)
		}
	})
	return robotsDB
}

// MatchRobot checks the user agent against the embedded robot database and
// returns the matching signature id.
func MatchRobot(userAgent string) (string, bool) {
	if userAgent == "" {
		return "", false
	}
	for _, entry := range loadRobots() {
		if entry.compiled.MatchString(userAgent) {
			return entry.ID, true
		}
	}
	return "", false
}

// ClassifyAgent derives browser, platform, and device from a user agent
// string. Robots are identified through the embedded signature database.
func ClassifyAgent(userAgent string) Agent {
	agent := Agent{
		Browser:  "unknown",
		Platform: "unknown",
		Device:   "desktop",
	}

	if id, ok := MatchRobot(userAgent); ok {
		agent.Robot = true
		agent.RobotID = id
		agent.Device = "robot"
		return agent
	}

	lower := strings.ToLower(userAgent)

	switch {
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "edge/"):
		agent.Browser = "edge"
		agent.Version = versionAfter(userAgent, "Edg/")
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		agent.Browser = "opera"
		agent.Version = versionAfter(userAgent, "OPR/")
	case strings.Contains(lower, "firefox/"):
		agent.Browser = "firefox"
		agent.Version = versionAfter(userAgent, "Firefox/")
	case strings.Contains(lower, "chrome/"):
		agent.Browser = "chrome"
		agent.Version = versionAfter(userAgent, "Chrome/")
	case strings.Contains(lower, "safari/") && strings.Contains(lower, "version/"):
		agent.Browser = "safari"
		agent.Version = versionAfter(userAgent, "Version/")
	case strings.Contains(lower, "msie") || strings.Contains(lower, "trident/"):
		agent.Browser = "ie"
	}

	switch {
	case strings.Contains(lower, "windows"):
		agent.Platform = "Windows"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad"):
		agent.Platform = "iOS"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		agent.Platform = "MacOS"
	case strings.Contains(lower, "android"):
		agent.Platform = "Android"
	case strings.Contains(lower, "linux"):
		agent.Platform = "Linux"
	}

	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		agent.Device = "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") ||
		strings.Contains(lower, "android"):
		agent.Device = "mobile"
	}
	// Android tablets carry "Android" without "Mobile"
	if strings.Contains(lower, "android") && !strings.Contains(lower, "mobi") {
		agent.Device = "tablet"
	}

	return agent
}

// versionAfter extracts the dotted version following a marker token.
func versionAfter(userAgent, marker string) string {
	idx := strings.Index(strings.ToLower(userAgent), strings.ToLower(marker))
	if idx < 0 {
		return ""
	}
	rest := userAgent[idx+len(marker):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	})
	if end == -1 {
		return rest
	}
	return rest[:end]
}
