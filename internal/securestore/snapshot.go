package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// ReadSnapshot loads a JSON snapshot into v. A missing or empty file reports
// found=false. With an empty passphrase the file is read as plain JSON.
func ReadSnapshot(path, passphrase, label string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if passphrase != "" {
		opened, err := Open(passphrase, label, data)
		switch {
		case err == nil:
			data = opened
		case errors.Is(err, ErrPlaintextData):
			// Accept a plain snapshot written before a passphrase was configured;
			// the next write seals it.
		default:
			return false, err
		}
	} else if IsSealed(data) {
		return false, ErrAuthFailed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, ErrInvalid
	}
	return true, nil
}

// WriteSnapshot marshals v, seals it when a passphrase is set, and replaces path
// via rename so readers never observe a torn file.
func WriteSnapshot(path, passphrase, label string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if passphrase != "" {
		data, err = Seal(passphrase, label, data)
		if err != nil {
			return err
		}
	}
	return WriteFileAtomic(path, data, 0o600)
}

func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
