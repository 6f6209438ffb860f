package deploy

import (
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// ManifestName is the dependency manifest expected in a unit's working
// directory.
const ManifestName = "package.json"

// conventionalEntrypoints are probed in order when no manifest declares one.
var conventionalEntrypoints = []string{"index.js", "main.js", "bot.js", "app.js"}

// ResolveEntrypoint determines the file a unit's process is launched with.
// A manifest with a main field wins; otherwise conventional filenames are
// probed in fixed order. An unresolved entrypoint is a normal outcome
// (requires user action), not an error, so the second return is a plain
// bool.
func ResolveEntrypoint(workingDirectory string) (string, bool) {
	if main := manifestMain(workingDirectory); main != "" {
		if fileExists(filepath.Join(workingDirectory, main)) {
			return main, true
		}
	}

	for _, name := range conventionalEntrypoints {
		if fileExists(filepath.Join(workingDirectory, name)) {
			return name, true
		}
	}

	return "", false
}

// HasManifest reports whether the unit has a dependency manifest.
func HasManifest(workingDirectory string) bool {
	return fileExists(filepath.Join(workingDirectory, ManifestName))
}

// manifestMain returns the manifest's declared main path, or "" if the
// manifest is absent, malformed, or silent.
func manifestMain(workingDirectory string) string {
	data, err := os.ReadFile(filepath.Join(workingDirectory, ManifestName))
	if err != nil {
		return ""
	}
	if !gjson.ValidBytes(data) {
		return ""
	}
	return gjson.GetBytes(data, "main").String()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
