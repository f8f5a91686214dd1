package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// tempFileSuffix is appended to the vault file name to get the name
	// of the staging file used for atomic updates.
	tempFileSuffix = ".tmp"

	// fileMode is the permission of the vault file.
	fileMode = 0600

	// dirMode is the permission of a vault directory we create.
	dirMode = 0700
)

// writeAndSwap writes a new version of the vault file to a temporary file in
// the same directory, then atomically swaps (via rename) the old file for
// the new one. A crash at any point leaves either the old or the new file in
// place, never a partial one.
func writeAndSwap(fileName string, content []byte) error {
	if fileName == "" {
		return fmt.Errorf("vault file name not set")
	}

	if err := os.MkdirAll(filepath.Dir(fileName), dirMode); err != nil {
		return fmt.Errorf("unable to create vault dir: %w", err)
	}

	tempFileName := fileName + tempFileSuffix

	// If a stale temp file was left behind by a crash, we'll delete it
	// before proceeding.
	if _, err := os.Stat(tempFileName); err == nil {
		log.Infof("Found old temp vault file @ %v, removing before "+
			"swap", tempFileName)

		if err := os.Remove(tempFileName); err != nil {
			return fmt.Errorf("unable to remove temp vault "+
				"file: %w", err)
		}
	}

	tempFile, err := os.OpenFile(
		tempFileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode,
	)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}

	// The temp file is removed once this method exits. After a successful
	// rename there is nothing left to remove.
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("unable to write vault to temp file: %w",
			err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("unable to sync temp file: %w", err)
	}

	// Before we rename the swap (atomic name swap), we'll make sure to
	// close the current file as some OSes don't support renaming a file
	// that's already open (Windows).
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("unable to close file: %w", err)
	}

	log.Debugf("Swapping vault file %v into %v", tempFileName, fileName)

	if err := os.Rename(tempFileName, fileName); err != nil {
		return fmt.Errorf("unable to swap vault file: %w", err)
	}

	return nil
}
