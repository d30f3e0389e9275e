package imagesource

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/example/classify-pipeline/internal/pipeline"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Dir enumerates the images of a directory in name order and decodes each one
// when it is pulled. A file that fails to decode is delivered as a frame with
// Err set.
type Dir struct {
	root        string
	names       []string
	orientation int
	loop        bool

	mu   sync.Mutex
	next int
}

// OpenDir lists the images under root. orientation is attached to every frame.
// With loop set the listing restarts after the last image.
func OpenDir(root string, orientation int, loop bool) (*Dir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("imagesource: list %s: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return &Dir{root: root, names: names, orientation: orientation, loop: loop}, nil
}

// Len returns the number of images found.
func (d *Dir) Len() int { return len(d.names) }

// Next decodes the next image.
func (d *Dir) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}

	d.mu.Lock()
	if d.next >= len(d.names) {
		if !d.loop || len(d.names) == 0 {
			d.mu.Unlock()
			return pipeline.Frame{}, io.EOF
		}
		d.next = 0
	}
	name := d.names[d.next]
	d.next++
	d.mu.Unlock()

	frame := pipeline.Frame{ID: uuid.NewString(), Name: name, Orientation: d.orientation}
	frame.Image, frame.Err = decodeFile(filepath.Join(d.root, name))
	return frame, nil
}

// ReadyForNext does nothing; Next reads the directory on demand.
func (d *Dir) ReadyForNext() {}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// SensorOrientation returns the camera orientation relative to the screen.
func SensorOrientation(rotation, screenOrientation int) int {
	return rotation - screenOrientation
}
