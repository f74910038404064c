// Package transfer turns a save directory into a zip payload and back.
package transfer

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	// ErrSourceMissing is returned when the directory to archive does not exist.
	ErrSourceMissing = errors.New("save directory does not exist")

	// ErrCorruptPayload is returned for payloads that are not valid archives,
	// contain unsafe paths, or fail checksum verification.
	ErrCorruptPayload = errors.New("corrupt payload")
)

// Client archives and extracts save directories on an afero filesystem.
type Client struct {
	fs afero.Fs
}

// New returns a Client operating on fs.
func New(fs afero.Fs) *Client {
	return &Client{fs: fs}
}

type entry struct {
	rel  string
	path string
	info os.FileInfo
}

// files lists the regular files under dir, sorted by slash-separated
// relative path.
func (c *Client) files(dir string) ([]entry, error) {
	var out []entry
	err := afero.Walk(c.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, entry{rel: filepath.ToSlash(rel), path: p, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

func (c *Client) statDir(dir string) (os.FileInfo, error) {
	info, err := c.fs.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, dir)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, dir)
	}
	return info, nil
}

// Archive zips every regular file under dir. Entries are sorted and carry
// their modification times, so the same tree always yields the same bytes.
func (c *Client) Archive(dir string) ([]byte, error) {
	if _, err := c.statDir(dir); err != nil {
		return nil, err
	}

	files, err := c.files(dir)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr, err := zip.FileInfoHeader(f.info)
		if err != nil {
			return nil, err
		}
		hdr.Name = f.rel
		hdr.Method = zip.Deflate
		hdr.Modified = f.info.ModTime().UTC()

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if err := c.copyFile(w, f.path); err != nil {
			return nil, fmt.Errorf("add %s: %w", f.rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) copyFile(w io.Writer, p string) error {
	f, err := c.fs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// safeName validates an archive member name and returns it as a relative
// OS path.
func safeName(name string) (string, error) {
	if name == "" || strings.Contains(name, "\\") || path.IsAbs(name) {
		return "", fmt.Errorf("%w: unsafe entry %q", ErrCorruptPayload, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: unsafe entry %q", ErrCorruptPayload, name)
	}
	if vol := filepath.VolumeName(filepath.FromSlash(clean)); vol != "" {
		return "", fmt.Errorf("%w: unsafe entry %q", ErrCorruptPayload, name)
	}
	return filepath.FromSlash(clean), nil
}

// Extract replaces dir with the contents of payload. The archive is
// unpacked into a sibling directory first and swapped in only when complete,
// so a failed extraction leaves dir as it was.
func (c *Client) Extract(payload []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	if err := c.fs.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", parent, err)
	}

	staging, err := afero.TempDir(c.fs, parent, "."+filepath.Base(dir)+".incoming-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	if err := c.unpack(zr, staging); err != nil {
		_ = c.fs.RemoveAll(staging)
		return err
	}

	// TempDir creates 0700; keep the save folder readable by the emulator.
	mode := os.FileMode(0o755)
	if fi, err := c.fs.Stat(dir); err == nil && fi.IsDir() {
		mode = fi.Mode().Perm()
	}
	if err := c.fs.Chmod(staging, mode); err != nil {
		_ = c.fs.RemoveAll(staging)
		return fmt.Errorf("chmod staging dir: %w", err)
	}

	if err := c.swap(staging, dir); err != nil {
		_ = c.fs.RemoveAll(staging)
		return err
	}
	return nil
}

func (c *Client) unpack(zr *zip.Reader, root string) error {
	for _, f := range zr.File {
		rel, err := safeName(f.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(root, rel)

		if f.FileInfo().IsDir() {
			if err := c.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return fmt.Errorf("%w: unsupported entry type %q", ErrCorruptPayload, f.Name)
		}

		if err := c.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := c.writeEntry(f, target); err != nil {
			return err
		}

		mtime := f.Modified
		if mtime.IsZero() {
			mtime = time.Now()
		}
		if err := c.fs.Chtimes(target, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptPayload, f.Name, err)
	}
	defer rc.Close()

	out, err := c.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s: %v", ErrCorruptPayload, f.Name, err)
		}
		return err
	}
	return out.Close()
}

// swap moves staging into dir, moving any existing dir aside first and
// restoring it if the final rename fails.
func (c *Client) swap(staging, dir string) error {
	var backup string
	if _, err := c.fs.Stat(dir); err == nil {
		backup = staging + ".previous"
		if err := c.fs.Rename(dir, backup); err != nil {
			return fmt.Errorf("move %s aside: %w", dir, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := c.fs.Rename(staging, dir); err != nil {
		if backup != "" {
			_ = c.fs.Rename(backup, dir)
		}
		return fmt.Errorf("move extracted files into %s: %w", dir, err)
	}

	if backup != "" {
		if err := c.fs.RemoveAll(backup); err != nil {
			return fmt.Errorf("remove previous %s: %w", dir, err)
		}
	}
	return nil
}

// ModTime returns the freshness of dir: the newest file mtime, the
// directory's own mtime when it holds no files, and the zero time when it
// does not exist.
func (c *Client) ModTime(dir string) (time.Time, error) {
	info, err := c.fs.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if !info.IsDir() {
		return info.ModTime(), nil
	}

	files, err := c.files(dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("walk %s: %w", dir, err)
	}
	if len(files) == 0 {
		return info.ModTime(), nil
	}

	var newest time.Time
	for _, f := range files {
		if t := f.info.ModTime(); t.After(newest) {
			newest = t
		}
	}
	return newest, nil
}

// Stamp sets the mtime of dir and every file under it to t, so that ModTime
// afterwards reports exactly t.
func (c *Client) Stamp(dir string, t time.Time) error {
	if _, err := c.statDir(dir); err != nil {
		return err
	}
	files, err := c.files(dir)
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}
	for _, f := range files {
		if err := c.fs.Chtimes(f.path, t, t); err != nil {
			return err
		}
	}
	return c.fs.Chtimes(dir, t, t)
}

// Checksum returns the lowercase hex sha256 of payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares payload with the checksum the server reported.
// An empty want is accepted.
func VerifyChecksum(payload []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := Checksum(payload); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: checksum %s, server reported %s", ErrCorruptPayload, got, want)
	}
	return nil
}
