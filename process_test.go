package vocscale

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writePNG writes a wxh PNG image as name into dir and returns the path.
func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", name, err)
	}
	return path
}

func TestProcess(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	writeAnnotation(t, inDir, "frame_0001.xml", sampleAnnotation)
	writeAnnotation(t, inDir, "frame_0002.xml", sampleAnnotation)

	if err := Process(inDir, outDir, 0.5, Options{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	for _, name := range []string{"frame_0001.xml", "frame_0002.xml"} {
		out, err := ParseVOC(filepath.Join(outDir, name))
		if err != nil {
			t.Fatalf("failed to parse output %s: %v", name, err)
		}
		objects, err := out.Objects()
		if err != nil {
			t.Fatalf("Objects failed for %s: %v", name, err)
		}
		want := BoundingBox{XMin: 75, YMin: 25, XMax: 225, YMax: 175}
		if objects[0].Box != want {
			t.Errorf("%s: got %+v, want %+v", name, objects[0].Box, want)
		}
	}
}

func TestProcess_MissingOutputDir(t *testing.T) {
	inDir := t.TempDir()
	writeAnnotation(t, inDir, "frame_0001.xml", sampleAnnotation)

	err := Process(inDir, filepath.Join(inDir, "no-such-dir"), 0.5, Options{})
	if err == nil {
		t.Error("Process: expected an error for a missing output directory")
	}
}

func TestProcess_SkipsMalformedFiles(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	writeAnnotation(t, inDir, "good.xml", sampleAnnotation)
	writeAnnotation(t, inDir, "bad.xml",
		`<annotation>
	<size><width>100</width><height>100</height></size>
	<object><bndbox><xmin>1</xmin><ymin>1</ymin><xmax>2</xmax></bndbox></object>
</annotation>`)

	err := Process(inDir, outDir, 0.5, Options{})
	if err == nil {
		t.Fatal("Process: expected an error when a file fails")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error should report the failure count, got: %v", err)
	}

	// The good file is still processed; the bad one produces no output at
	// all rather than output with defaulted coordinates.
	if _, err := os.Stat(filepath.Join(outDir, "good.xml")); err != nil {
		t.Errorf("good.xml was not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "bad.xml")); !os.IsNotExist(err) {
		t.Error("bad.xml should not have been written")
	}
}

func TestProcess_ResizesImages(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	imageDir := t.TempDir()
	imageOutDir := t.TempDir()

	writePNG(t, imageDir, "frame_0001.png", 100, 50)
	writeAnnotation(t, inDir, "frame_0001.xml", `<annotation>
	<filename>frame_0001.png</filename>
	<size><width>100</width><height>50</height></size>
	<object>
		<name>dog</name>
		<bndbox><xmin>10</xmin><ymin>10</ymin><xmax>60</xmax><ymax>30</ymax></bndbox>
	</object>
</annotation>`)

	opts := Options{
		ImageDir:     imageDir,
		ImageOutDir:  imageOutDir,
		ResizeLonger: 200,
		Downsample:   "box",
		Upsample:     "linear",
		Encoding:     "png",
		JPEGQuality:  90,
	}
	if err := Process(inDir, outDir, 0, opts); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// The image is upsampled to 200x100.
	imgOutPath := filepath.Join(imageOutDir, "frame_0001.png")
	config, _, err := decodeImageConfig(imgOutPath)
	if err != nil {
		t.Fatalf("failed to decode the resized image: %v", err)
	}
	if config.Width != 200 || config.Height != 100 {
		t.Errorf("resized image: got %dx%d, want 200x100", config.Width, config.Height)
	}

	// The annotation follows: extent and coordinates are doubled.
	out, err := ParseVOC(filepath.Join(outDir, "frame_0001.xml"))
	if err != nil {
		t.Fatalf("failed to parse the output: %v", err)
	}
	if out.Extent != (ImageExtent{Width: 200, Height: 100}) {
		t.Errorf("Extent: got %+v, want {200 100}", out.Extent)
	}
	objects, err := out.Objects()
	if err != nil {
		t.Fatalf("Objects failed: %v", err)
	}
	want := BoundingBox{XMin: 20, YMin: 20, XMax: 120, YMax: 60}
	if objects[0].Box != want {
		t.Errorf("rescaled box: got %+v, want %+v", objects[0].Box, want)
	}
}

func TestProcess_ResizeWithoutImageFails(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	writeAnnotation(t, inDir, "frame_0001.xml", sampleAnnotation)

	opts := Options{
		ImageDir:     t.TempDir(), // No matching image inside.
		ImageOutDir:  t.TempDir(),
		ResizeLonger: 200,
		Downsample:   "box",
		Upsample:     "linear",
		Encoding:     "png",
		JPEGQuality:  90,
	}
	if err := Process(inDir, outDir, 0, opts); err == nil {
		t.Error("Process: expected an error when an annotation has no matching image")
	}
}

func TestProcess_TFRecordRequiresLabelMap(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	writeAnnotation(t, inDir, "frame_0001.xml", sampleAnnotation)

	opts := Options{
		ImageDir:     t.TempDir(),
		TFRecordPath: filepath.Join(outDir, "train.record"),
	}
	if err := Process(inDir, outDir, 0, opts); err == nil {
		t.Error("Process: expected an error when the label map path is missing")
	}

	// The configuration is rejected before any annotation is written.
	if _, err := os.Stat(filepath.Join(outDir, "frame_0001.xml")); !os.IsNotExist(err) {
		t.Error("no output should be written on a configuration error")
	}
}

func TestProcess_ManyFiles(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeAnnotation(t, inDir, fmt.Sprintf("frame_%04d.xml", i), sampleAnnotation)
	}

	if err := Process(inDir, outDir, -0.25, Options{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	files, err := filesByExtInDir(outDir, ".xml")
	if err != nil {
		t.Fatalf("failed to list the output directory: %v", err)
	}
	if len(files) != 20 {
		t.Errorf("output files: got %d, want 20", len(files))
	}
}
