package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "workspace", "main.py"), "print('hi')")
	writeFile(t, filepath.Join(home, "data", "db.sqlite"), "binary")
	writeFile(t, filepath.Join(home, "ignored-dir", "secret.txt"), "nope")

	blob, err := Pack(home, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	restoreHome := t.TempDir()
	if err := Unpack(blob, restoreHome); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(restoreHome, "workspace", "main.py"))
	if err != nil || string(got) != "print('hi')" {
		t.Fatalf("workspace file not restored: %v %q", err, got)
	}
	if _, err := os.Stat(filepath.Join(restoreHome, "ignored-dir")); !os.IsNotExist(err) {
		t.Fatalf("expected ignored-dir to be absent from restore")
	}
}

func buildTar(t *testing.T, entries map[string]string, symlinks map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	for name, target := range symlinks {
		hdr := &tar.Header{Name: name, Mode: 0o777, Typeflag: tar.TypeSymlink, Linkname: target}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write symlink header: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Scenario 6 from spec.md §8: state snapshot safety.
func TestUnpackRejectsParentTraversal(t *testing.T) {
	blob := buildTar(t, map[string]string{"workspace/../../evil": "x"}, nil)
	if err := Unpack(blob, t.TempDir()); err == nil {
		t.Fatalf("expected rejection of ../ traversal")
	}
}

func TestUnpackRejectsAbsolutePath(t *testing.T) {
	blob := buildTar(t, map[string]string{"/etc/passwd": "x"}, nil)
	if err := Unpack(blob, t.TempDir()); err == nil {
		t.Fatalf("expected rejection of absolute path")
	}
}

func TestUnpackRejectsSymlinkEntries(t *testing.T) {
	blob := buildTar(t, nil, map[string]string{"workspace/evil-link": "/"})
	if err := Unpack(blob, t.TempDir()); err == nil {
		t.Fatalf("expected rejection of symlink entry")
	}
}

func TestUnpackRejectsMembersOutsideAllowlist(t *testing.T) {
	blob := buildTar(t, map[string]string{"ssh/id_rsa": "x"}, nil)
	if err := Unpack(blob, t.TempDir()); err == nil {
		t.Fatalf("expected rejection of member outside the allowlist")
	}
}

func TestUnpackLeavesNoPartialRestoreOnRejection(t *testing.T) {
	blob := buildTar(t, map[string]string{
		"workspace/good.txt": "fine",
		"../evil":             "bad",
	}, nil)
	dest := t.TempDir()
	if err := Unpack(blob, dest); err == nil {
		t.Fatalf("expected rejection")
	}
	if _, err := os.Stat(filepath.Join(dest, "workspace")); !os.IsNotExist(err) {
		t.Fatalf("expected no partial restore, but workspace/ exists")
	}
}
