//go:build !unix && !windows

package destruct

import (
	"errors"
	"io/fs"
	"os"
)

type plainRemover struct{}

// PlatformRemover removes the file with os.Remove
func PlatformRemover() Remover { return plainRemover{} }

func (plainRemover) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
