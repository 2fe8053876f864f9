// Package deps checks the external programs fieldvoice shells out to.
package deps

import (
	"os/exec"
	"strings"
)

// Status represents the installation status of a dependency
type Status struct {
	Name      string
	Purpose   string
	Required  bool
	Installed bool
	Path      string
	Version   string
}

type tool struct {
	name        string
	versionFlag string
	purpose     string
	required    bool
}

var tools = []tool{
	{"pw-record", "--version", "microphone capture", true},
	{"pw-play", "--version", "relayed audio playback", false},
	{"notify-send", "--version", "desktop notifications", false},
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Check reports one program. Version is the first line of its version output
// and stays empty when the program prints none.
func Check(name, versionFlag string) Status {
	path, err := lookPath(name)
	if err != nil {
		return Status{Name: name}
	}

	status := Status{
		Name:      name,
		Installed: true,
		Path:      path,
	}

	output, err := exec.Command(path, versionFlag).Output()
	if err == nil {
		lines := strings.Split(string(output), "\n")
		if len(lines) > 0 {
			status.Version = strings.TrimSpace(lines[0])
		}
	}

	return status
}

// CheckAll reports every program fieldvoice may run.
func CheckAll() []Status {
	out := make([]Status, 0, len(tools))
	for _, t := range tools {
		s := Check(t.name, t.versionFlag)
		s.Purpose = t.purpose
		s.Required = t.required
		out = append(out, s)
	}
	return out
}

// MissingRequired lists required programs that are not installed.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, s := range statuses {
		if s.Required && !s.Installed {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
