// Command snapshot-plot renders a point cloud snapshot to a PNG scatter or
// an interactive HTML preview. The snapshot comes from an exported JSON
// file or from a lidarview database.
//
// Usage:
//
//	snapshot-plot -in scan.json -out scan.png -mode height
//	snapshot-plot -db lidarview.db -snapshot <id> -out scan.html
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/lidardb"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/render"
)

func main() {
	if err := run(os.Args[1:], fsutil.OSFileSystem{}, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, fsys fsutil.FileSystem, stdout io.Writer) error {
	fs := flag.NewFlagSet("snapshot-plot", flag.ContinueOnError)
	in := fs.String("in", "", "Exported snapshot JSON file")
	dbPath := fs.String("db", "", "lidarview database to read the snapshot from")
	snapshotID := fs.String("snapshot", "", "Snapshot ID when reading from -db")
	out := fs.String("out", "", "Output file (.png or .html)")
	mode := fs.String("mode", "intensity", "Color mode: intensity, height, distance or rainbow")
	maxPoints := fs.Int("max", 0, "Downsample to at most this many points (0 uses the renderer default)")
	title := fs.String("title", "", "Plot title (defaults to the input name)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *out == "" {
		return errors.New("-out is required")
	}
	if (*in == "") == (*dbPath == "") {
		return errors.New("exactly one of -in or -db is required")
	}
	colorMode, err := pointcloud.ParseColorMode(*mode)
	if err != nil {
		return err
	}

	data, name, err := loadSnapshot(fsys, *in, *dbPath, *snapshotID)
	if err != nil {
		return err
	}
	points, err := pointcloud.UnmarshalSnapshot(data, pointcloud.DefaultTransformConfig(), pointcloud.KeyConfig{})
	if err != nil {
		return err
	}
	set := pointcloud.NewPointSet(points)
	if *title == "" {
		*title = name
	}

	var buf bytes.Buffer
	switch ext := filepath.Ext(*out); ext {
	case ".png":
		err = render.PlotPNG(&buf, set, colorMode, render.PlotOptions{Title: *title, MaxPoints: *maxPoints})
	case ".html":
		err = render.PreviewHTML(&buf, set, colorMode, render.PreviewOptions{Title: *title, MaxPoints: *maxPoints})
	default:
		return fmt.Errorf("unsupported output extension %q (want .png or .html)", ext)
	}
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(fsys, *out, buf.Bytes(), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s: %s points, %s\n", *out,
		humanize.Comma(int64(set.Len())), humanize.Bytes(uint64(buf.Len())))
	return nil
}

func loadSnapshot(fsys fsutil.FileSystem, in, dbPath, id string) ([]byte, string, error) {
	if in != "" {
		data, err := fsys.ReadFile(in)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read snapshot: %w", err)
		}
		return data, filepath.Base(in), nil
	}
	if id == "" {
		return nil, "", errors.New("-snapshot is required with -db")
	}
	ldb, err := lidardb.NewLidarDB(dbPath)
	if err != nil {
		return nil, "", err
	}
	defer ldb.Close()
	info, data, err := ldb.LoadSnapshot(context.Background(), id)
	if err != nil {
		return nil, "", err
	}
	return data, fmt.Sprintf("snapshot %s (%s)", info.ID, info.CreatedAt.Format("2006-01-02 15:04")), nil
}
