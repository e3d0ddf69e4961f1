package scan

import (
	"os"
	"path/filepath"

	"github.com/anstrom/cidrsweep/internal/errors"
)

const (
	artifactDirPerm  = 0750
	artifactFilePerm = 0640
)

// WriteArtifact writes the summary's address list to dir under ArtifactName.
// Nothing is written for an empty summary and the returned path is "".
func WriteArtifact(dir string, summary *Summary) (string, error) {
	data := summary.Artifact()
	if data == nil {
		return "", nil
	}

	if err := os.MkdirAll(dir, artifactDirPerm); err != nil {
		return "", &errors.ScanError{
			Code:    errors.CodeFileWrite,
			Message: "failed to create output directory",
			Port:    summary.Port,
			Cause:   err,
		}
	}

	path := filepath.Join(dir, ArtifactName(summary.Port))
	if err := os.WriteFile(path, data, artifactFilePerm); err != nil {
		return "", &errors.ScanError{
			Code:    errors.CodeFileWrite,
			Message: "failed to write results",
			Port:    summary.Port,
			Cause:   err,
		}
	}
	return path, nil
}
