package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/lidardb"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func writeSnapshot(t *testing.T, fsys fsutil.FileSystem, name string, n int) []byte {
	t.Helper()
	data, err := pointcloud.MarshalSnapshot(pointcloud.NewPointSet(testutil.GridPoints(n)))
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, fsys.WriteFile(name, data, 0o644))
	return data
}

func TestRunPNG(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeSnapshot(t, fsys, "scan.json", 1200)

	var stdout bytes.Buffer
	err := run([]string{"-in", "scan.json", "-out", "scan.png", "-mode", "height"}, fsys, &stdout)
	testutil.AssertNoError(t, err)

	png, err := fsys.ReadFile("scan.png")
	testutil.AssertNoError(t, err)
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
	if !strings.Contains(stdout.String(), "1,200 points") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunHTML(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeSnapshot(t, fsys, "scan.json", 10)

	err := run([]string{"-in", "scan.json", "-out", "scan.html", "-title", "Garage"}, fsys, &bytes.Buffer{})
	testutil.AssertNoError(t, err)

	html, err := fsys.ReadFile("scan.html")
	testutil.AssertNoError(t, err)
	if !strings.Contains(string(html), "Garage") {
		t.Error("title missing from preview")
	}
	for _, name := range fsys.Names() {
		if strings.HasSuffix(name, ".tmp") {
			t.Errorf("temporary file %s left behind", name)
		}
	}
}

func TestRunFromDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lidar.db")
	ldb, err := lidardb.NewLidarDB(dbPath)
	testutil.AssertNoError(t, err)
	ctx := context.Background()
	testutil.AssertNoError(t, ldb.RecordSession(ctx, lidardb.SessionRecord{ID: "s1", Policy: "append"}))
	set := pointcloud.NewPointSet(testutil.GridPoints(5))
	data, err := pointcloud.MarshalSnapshot(set)
	testutil.AssertNoError(t, err)
	info, err := ldb.SaveSnapshot(ctx, "s1", set, data)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, ldb.Close())

	out := filepath.Join(dir, "scan.png")
	err = run([]string{"-db", dbPath, "-snapshot", info.ID, "-out", out}, fsutil.OSFileSystem{}, &bytes.Buffer{})
	testutil.AssertNoError(t, err)
	if _, err := (fsutil.OSFileSystem{}).Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}

	err = run([]string{"-db", dbPath, "-snapshot", "missing", "-out", out}, fsutil.OSFileSystem{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRunErrors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeSnapshot(t, fsys, "scan.json", 3)
	testutil.AssertNoError(t, fsys.WriteFile("bad.json", []byte(`{"x": 1}`), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{"no output", []string{"-in", "scan.json"}},
		{"no input", []string{"-out", "x.png"}},
		{"both inputs", []string{"-in", "scan.json", "-db", "x.db", "-out", "x.png"}},
		{"db without snapshot", []string{"-db", "x.db", "-out", "x.png"}},
		{"bad mode", []string{"-in", "scan.json", "-out", "x.png", "-mode", "plaid"}},
		{"bad extension", []string{"-in", "scan.json", "-out", "x.svg"}},
		{"missing input", []string{"-in", "nope.json", "-out", "x.png"}},
		{"invalid snapshot", []string{"-in", "bad.json", "-out", "x.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertError(t, run(tt.args, fsys, &bytes.Buffer{}))
		})
	}
}
