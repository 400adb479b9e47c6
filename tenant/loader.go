package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
)

// Layer document base names inside a project directory.
const (
	ProfileDocument = "profile"
	CustomDocument  = "custom"
)

var documentExts = []string{".yaml", ".yml", ".json"}

// Loader reads layered tenant configuration from a profiles directory.
type Loader struct {
	dir      string
	defaults Config
	logger   *logging.Logger
}

// NewLoader creates a loader rooted at dir with the given system defaults.
func NewLoader(dir string, defaults Config, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{
		dir:      dir,
		defaults: Merge(defaults),
		logger:   logger.WithComponent("tenant"),
	}
}

// Load returns the merged configuration for projectID. Only a missing
// project directory is fatal; an unreadable or malformed document is logged
// and treated as absent.
func (l *Loader) Load(ctx context.Context, projectID string) (Config, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, kerrors.Wrap(err, "load tenant configuration")
	}

	projectDir := filepath.Join(l.dir, projectID)
	info, err := os.Stat(projectDir)
	if err != nil || !info.IsDir() {
		return nil, kerrors.Configuration(
			fmt.Sprintf("profile directory not found for project %s", projectID),
			kerrors.WithMetadata("project_id", projectID))
	}

	profile := l.readLayer(projectDir, ProfileDocument)
	custom := l.readLayer(projectDir, CustomDocument)

	return Merge(l.defaults, profile, custom), nil
}

// readLayer returns the first parseable document named base, or nil.
func (l *Loader) readLayer(dir, base string) Config {
	for _, ext := range documentExts {
		path := filepath.Join(dir, base+ext)
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("layer_unreadable", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
			}
			continue
		}

		var doc Config
		if err := yaml.Unmarshal(b, &doc); err != nil {
			l.logger.Warn("layer_malformed", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return nil
		}
		return doc
	}
	return nil
}

func validateProjectID(projectID string) error {
	if projectID == "" {
		return kerrors.InvalidInput("project_id is required")
	}
	if projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) || strings.ContainsRune(projectID, 0) {
		return kerrors.InvalidInput(fmt.Sprintf("invalid project_id %q", projectID))
	}
	return nil
}
