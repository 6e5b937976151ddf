// Package vault owns the on-disk layout of the download directory: the
// in-progress temp files, the lock files that enforce one active download
// per key, the validator sidecars used for resume safety, and the final
// media files.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	tmpSuffix       = ".tmp"
	lockSuffix      = ".lock"
	validatorSuffix = ".etag"
	encTmpSuffix    = ".enc.tmp"
)

// keyPattern restricts content ids and qualities to filename-safe tokens.
// Anything else would let an upstream-controlled id escape the vault.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	// ErrInvalidKey means the content id or quality cannot form a vault filename.
	ErrInvalidKey = errors.New("invalid vault key")
	// ErrNoValidator means no .etag sidecar exists for the key.
	ErrNoValidator = errors.New("no validator for key")
)

// Vault is the filesystem contract for one download directory.
type Vault struct {
	root string
}

// New creates the vault root if needed and returns the Vault.
func New(root string) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}

	return &Vault{root: abs}, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string {
	return v.root
}

// Stem returns the shared name stem "{content_id}-{quality}" for a key,
// validating that the result stays inside the vault.
func (v *Vault) Stem(contentID, quality string) (string, error) {
	if !keyPattern.MatchString(contentID) || !keyPattern.MatchString(quality) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, contentID, quality)
	}

	stem := contentID + "-" + quality

	full := filepath.Join(v.root, stem)

	rel, err := filepath.Rel(v.root, full)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q/%q escapes vault", ErrInvalidKey, contentID, quality)
	}

	return stem, nil
}

func (v *Vault) keyedPath(contentID, quality, suffix string) (string, error) {
	stem, err := v.Stem(contentID, quality)
	if err != nil {
		return "", err
	}

	return filepath.Join(v.root, stem+suffix), nil
}

// TempPath returns the .tmp path for a key.
func (v *Vault) TempPath(contentID, quality string) (string, error) {
	return v.keyedPath(contentID, quality, tmpSuffix)
}

// EncTempPath returns the encryption output temp path for a key.
func (v *Vault) EncTempPath(contentID, quality string) (string, error) {
	return v.keyedPath(contentID, quality, encTmpSuffix)
}

// LockPath returns the .lock path for a key.
func (v *Vault) LockPath(contentID, quality string) (string, error) {
	return v.keyedPath(contentID, quality, lockSuffix)
}

// ValidatorPath returns the .etag sidecar path for a key.
func (v *Vault) ValidatorPath(contentID, quality string) (string, error) {
	return v.keyedPath(contentID, quality, validatorSuffix)
}

// FinalPath returns the public filename for a key. ext must include the
// leading dot; an empty ext is allowed. The vault's own control-file
// suffixes are refused: a final file on a lock, temp or validator path
// would be deleted by the very cleanup that follows finalization.
func (v *Vault) FinalPath(contentID, quality, ext string) (string, error) {
	if ext != "" && (!strings.HasPrefix(ext, ".") || strings.ContainsAny(ext[1:], `/\.`)) {
		return "", fmt.Errorf("%w: bad extension %q", ErrInvalidKey, ext)
	}

	for _, reserved := range []string{tmpSuffix, lockSuffix, validatorSuffix} {
		if strings.EqualFold(ext, reserved) {
			return "", fmt.Errorf("%w: reserved extension %q", ErrInvalidKey, ext)
		}
	}

	return v.keyedPath(contentID, quality, ext)
}

// TempSize returns the current byte length of the .tmp file, or zero when
// it does not exist.
func (v *Vault) TempSize(contentID, quality string) (int64, error) {
	path, err := v.TempPath(contentID, quality)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to stat temp file: %w", err)
	}

	return info.Size(), nil
}

// OpenTemp opens the .tmp file for writing. With resume set, writes append
// to the existing bytes; otherwise the file is truncated.
func (v *Vault) OpenTemp(contentID, quality string, resume bool) (*os.File, error) {
	path, err := v.TempPath(contentID, quality)
	if err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open temp file: %w", err)
	}

	return f, nil
}

// WriteValidator stores the upstream validator for the key's partial file.
// The write is atomic so a crash never leaves a truncated sidecar.
func (v *Vault) WriteValidator(contentID, quality, etag string) error {
	path, err := v.ValidatorPath(contentID, quality)
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(path, []byte(etag), filePerm); err != nil {
		return fmt.Errorf("failed to write validator: %w", err)
	}

	return nil
}

// ReadValidator returns the stored validator, or ErrNoValidator.
func (v *Vault) ReadValidator(contentID, quality string) (string, error) {
	path, err := v.ValidatorPath(contentID, quality)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoValidator
		}

		return "", fmt.Errorf("failed to read validator: %w", err)
	}

	return string(data), nil
}

// Finalize atomically renames src (a temp file inside the vault) to the
// key's public filename and returns the final path and its size.
func (v *Vault) Finalize(contentID, quality, ext, src string) (string, int64, error) {
	final, err := v.FinalPath(contentID, quality, ext)
	if err != nil {
		return "", 0, err
	}

	if err := os.Rename(src, final); err != nil {
		return "", 0, fmt.Errorf("failed to finalize file: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat final file: %w", err)
	}

	return final, info.Size(), nil
}

// RemoveArtifacts deletes the key's temp, encryption temp and validator
// files. Missing files are not errors: the operation is idempotent.
func (v *Vault) RemoveArtifacts(contentID, quality string) error {
	for _, suffix := range []string{tmpSuffix, encTmpSuffix, validatorSuffix} {
		path, err := v.keyedPath(contentID, quality, suffix)
		if err != nil {
			return err
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}

// OpenNamed opens a file by its stored base name for reading, refusing
// anything that would resolve outside the vault.
func (v *Vault) OpenNamed(filename string) (*os.File, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return nil, fmt.Errorf("%w: bad filename %q", ErrInvalidKey, filename)
	}

	f, err := os.Open(filepath.Join(v.root, filename))
	if err != nil {
		return nil, err
	}

	return f, nil
}

// RemoveNamed deletes a file by its stored base name, refusing anything
// that would resolve outside the vault.
func (v *Vault) RemoveNamed(filename string) error {
	if filename == "" || filename != filepath.Base(filename) {
		return fmt.Errorf("%w: bad filename %q", ErrInvalidKey, filename)
	}

	if err := os.Remove(filepath.Join(v.root, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", filename, err)
	}

	return nil
}

// RemoveFinal deletes the key's public file if present.
func (v *Vault) RemoveFinal(contentID, quality, ext string) error {
	path, err := v.FinalPath(contentID, quality, ext)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove final file: %w", err)
	}

	return nil
}
