package deploy

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"
	"github.com/bothive/bothive/pkg/registry"
)

// Pipeline turns uploaded archives into registered units with normalized
// working directories.
type Pipeline struct {
	unitsRoot string
	store     *registry.Store
	logger    logging.Logger
}

// NewPipeline creates a deployment pipeline rooted at unitsRoot.
func NewPipeline(unitsRoot string, store *registry.Store, logger logging.Logger) *Pipeline {
	return &Pipeline{
		unitsRoot: unitsRoot,
		store:     store,
		logger:    logger,
	}
}

// WorkingDirectory returns the exclusive filesystem location owned by a
// unit.
func (p *Pipeline) WorkingDirectory(name string) string {
	return filepath.Join(p.unitsRoot, name)
}

// UnitName derives the unit name from an uploaded archive's declared name.
func UnitName(declaredName string) (string, error) {
	name := filepath.Base(declaredName)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", errors.NewValidationError("invalid unit name", nil).WithContext("declared_name", declaredName)
	}
	return name, nil
}

// Deploy validates and extracts archive into a fresh working directory for
// the unit and registers it. Only zip archives are accepted. Any previously
// deployed content for the name is replaced wholesale. The caller is
// responsible for stopping a running unit first.
func (p *Pipeline) Deploy(archive []byte, declaredName string) (string, error) {
	name, err := UnitName(declaredName)
	if err != nil {
		return "", err
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", errors.NewValidationError("archive is not a valid zip", err).WithContext("unit", name)
	}

	workDir := p.WorkingDirectory(name)

	p.logger.Infof("Deploying unit, name: %s, archive bytes: %d, working directory: %s", name, len(archive), workDir)

	if err := os.RemoveAll(workDir); err != nil {
		return "", errors.NewIOError("failed to remove previous working directory", err).WithContext("unit", name)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", errors.NewIOError("failed to create working directory", err).WithContext("unit", name)
	}

	// No rollback on failure past this point: the directory is left in a
	// best-effort state and the next deploy replaces it.
	if err := extract(reader, workDir); err != nil {
		return "", err
	}

	if err := flattenWrapperDirectory(workDir); err != nil {
		return "", err
	}

	if err := p.store.Register(name); err != nil {
		return "", err
	}

	p.logger.Infof("Unit deployed, name: %s", name)
	return name, nil
}

// extract writes every archive entry below destDir, rejecting entries that
// would escape it.
func extract(reader *zip.Reader, destDir string) error {
	for _, file := range reader.File {
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.NewIOError("failed to create directory", err).WithContext("entry", file.Name)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.NewIOError("failed to create parent directory", err).WithContext("entry", file.Name)
		}

		if err := extractFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return errors.NewIOError("failed to open archive entry", err).WithContext("entry", file.Name)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode().Perm()|0600)
	if err != nil {
		return errors.NewIOError("failed to create extracted file", err).WithContext("entry", file.Name)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.NewIOError("failed to extract archive entry", err).WithContext("entry", file.Name)
	}
	return nil
}

func safeJoin(destDir, entryName string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(entryName))
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", errors.NewValidationError("archive entry escapes working directory", nil).WithContext("entry", entryName)
	}
	return target, nil
}

// flattenWrapperDirectory promotes the contents of a single redundant
// top-level directory one level up. Runs at most once, never recursively.
func flattenWrapperDirectory(workDir string) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return errors.NewIOError("failed to read working directory", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	wrapper := filepath.Join(workDir, entries[0].Name())
	staging := workDir + ".unwrap"

	// Move the wrapper aside first so its children cannot collide with it
	// by name during promotion.
	if err := os.Rename(wrapper, staging); err != nil {
		return errors.NewIOError("failed to stage wrapper directory", err)
	}

	children, err := os.ReadDir(staging)
	if err != nil {
		return errors.NewIOError("failed to read wrapper directory", err)
	}
	for _, child := range children {
		from := filepath.Join(staging, child.Name())
		to := filepath.Join(workDir, child.Name())
		if err := os.Rename(from, to); err != nil {
			return errors.NewIOError("failed to promote wrapper entry", err).WithContext("entry", child.Name())
		}
	}

	if err := os.Remove(staging); err != nil {
		return errors.NewIOError("failed to remove wrapper directory", err)
	}
	return nil
}
