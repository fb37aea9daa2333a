// Package snapshot implements the state snapshotter: safe gzipped-tar
// pack/unpack of the fixed allowlisted subdirectories under an agent home.
// See SPEC_FULL.md §4.5. Go's archive/tar has no well-known ecosystem
// replacement among the examples in this corpus, so the safe-extraction
// filter below is hand-written rather than swapped for a third-party
// library, matching spec.md §9's own fallback instruction.
package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// AllowedSubdirs is the fixed allowlist from spec.md §3/§4.5. Nothing
// outside these four roots is ever packed or accepted on restore.
var AllowedSubdirs = []string{"workspace", "data", "output", "state"}

func isAllowedMember(name string) bool {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	for _, root := range AllowedSubdirs {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return true
		}
	}
	return false
}

// Pack walks the four allowlisted subdirectories under homeDir and returns a
// gzipped tar of their contents, preserving mode and mtime. Entries pointing
// outside the tree via a symlink are skipped with a logged warning rather
// than followed.
func Pack(homeDir string, logger *log.Logger) ([]byte, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		err := packInto(tw, homeDir, logger)
		closeErr := tw.Close()
		if err == nil {
			err = closeErr
		}
		if gzErr := gz.Close(); err == nil {
			err = gzErr
		}
		pw.CloseWithError(err)
		errCh <- err
	}()

	out, readErr := io.ReadAll(pr)
	packErr := <-errCh
	if packErr != nil {
		return nil, packErr
	}
	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

func packInto(tw *tar.Writer, homeDir string, logger *log.Logger) error {
	for _, root := range AllowedSubdirs {
		rootPath := filepath.Join(homeDir, root)
		info, err := os.Lstat(rootPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := filepath.Rel(homeDir, p)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)

			fi, err := d.Info()
			if err != nil {
				return err
			}
			if fi.Mode()&os.ModeSymlink != 0 {
				target, readErr := os.Readlink(p)
				if readErr == nil && isSymlinkEscaping(p, target) {
					logger.Printf("snapshot: skipping symlink outside tree: %s -> %s", rel, target)
					return nil
				}
			}

			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if fi.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if fi.Mode().IsRegular() {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				defer f.Close()
				if _, err := io.Copy(tw, f); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func isSymlinkEscaping(linkPath, target string) bool {
	if filepath.IsAbs(target) {
		return true
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	return strings.HasPrefix(resolved, "..") || strings.Contains(resolved, string(os.PathSeparator)+"..")
}

// Unpack extracts a gzipped tar produced by Pack into homeDir, using a safe
// extraction filter that rejects absolute paths, ".." components, and
// symlinks. Any rejected entry fails the whole operation — no partial
// restore is left on disk.
func Unpack(blob []byte, homeDir string) error {
	members, err := validateMembers(blob)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(homeDir), ".snapshot-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	for _, m := range members {
		dest := filepath.Join(tmpDir, filepath.FromSlash(m.hdr.Name))
		switch m.hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(m.hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, bytes.NewReader(m.body)); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unpack: unsupported entry type for %q", m.hdr.Name)
		}
	}

	for _, root := range AllowedSubdirs {
		src := filepath.Join(tmpDir, root)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(homeDir, root)
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

type validatedMember struct {
	hdr  *tar.Header
	body []byte
}

// validateMembers decompresses and reads every entry up front so a
// rejection never leaves a partially extracted tree on disk.
func validateMembers(blob []byte) ([]validatedMember, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var out []validatedMember
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
		if err := validateMemberHeader(hdr); err != nil {
			return nil, err
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out = append(out, validatedMember{hdr: hdr, body: body})
	}
	return out, nil
}

func validateMemberHeader(hdr *tar.Header) error {
	name := hdr.Name
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return fmt.Errorf("unpack: rejected absolute path %q", name)
	}
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return fmt.Errorf("unpack: rejected parent-directory traversal in %q", name)
		}
	}
	if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
		return fmt.Errorf("unpack: rejected symlink entry %q", name)
	}
	if !isAllowedMember(name) {
		return fmt.Errorf("unpack: rejected member outside allowlist %q", name)
	}
	return nil
}
