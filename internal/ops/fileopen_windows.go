//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/consult/internal/errors"
)

// openNoFollow opens a pattern file. There is no O_NOFOLLOW here, so the
// symlink check in ValidatePath is the only guard.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if os.IsNotExist(err) && flag&os.O_CREATE == 0 {
		return nil, errors.NewNotFound("file", path)
	}
	return f, err
}
