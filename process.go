package vocscale

// Batch processing of annotation directories.

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
)

// Options configures the optional processing stages of a batch run. The
// zero value scales boxes only.
type Options struct {
	ImageDir    string // Directory with the annotated images (resize and TFRecord modes).
	ImageOutDir string // Output directory for resized images.

	ResizeLonger  int    // Target length for the longer image side (0 keeps the aspect ratio).
	ResizeShorter int    // Target length for the shorter image side (0 keeps the aspect ratio).
	Downsample    string // Resampling filter when shrinking {nearest, box, linear, gaussian, lanczos}.
	Upsample      string // Resampling filter when growing.
	Encoding      string // Output image encoding {jpg, png}.
	JPEGQuality   int    // Quality for JPEG outputs, [1, 100].

	TFRecordPath string // TFRecord output path ("" disables the export).
	LabelMapPath string // The label map file to load, extend and write back.
	NumShards    int    // The number of TFRecord shard files to create.
}

// ResizeImages reports whether an image resize stage is requested.
func (o Options) ResizeImages() bool {
	return o.ResizeLonger > 0 || o.ResizeShorter > 0
}

// resizeParams is the validated per-run configuration of the image resize
// stage.
type resizeParams struct {
	longerSide  int
	shorterSide int
	downsample  imaging.ResampleFilter
	upsample    imaging.ResampleFilter
	fileExt     string
	jpegQuality int
	outDir      string
}

// Process scales every bounding box in every annotation file found directly
// in inDir by factor and writes the transformed documents to outDir,
// keeping the input base names. If outDir equals inDir the source files are
// overwritten.
//
// Depending on opts, the annotated images are resized (with box coordinates
// rescaled to match) and the resulting dataset is exported as TFRecord.
//
// Files that fail to parse or convert are logged and skipped; Process
// returns an error if any file failed. Outputs written before a failure
// stay in place.
func Process(inDir, outDir string, factor float64, opts Options) error {
	if err := checkDir(outDir); err != nil {
		return err
	}
	if opts.TFRecordPath != "" {
		if opts.ImageDir == "" {
			return fmt.Errorf("the TFRecord export requires an image directory")
		}
		if opts.LabelMapPath == "" {
			return fmt.Errorf("the TFRecord export requires a label map path")
		}
	}

	files, err := filesByExtInDir(inDir, xmlFileExt)
	if err != nil {
		return err
	}
	log.Printf("Scaling annotations for %d files", len(files))

	// Match images to annotation files by base name when an image directory
	// is involved.
	var imageExts map[string]string
	if opts.ImageDir != "" {
		imageFiles, err := filesByExtInDir(opts.ImageDir, "")
		if err != nil {
			return err
		}
		imageExts = mapFileNamesToExtensions(imageFiles)
	}

	var resize *resizeParams
	if opts.ResizeImages() {
		if resize, err = newResizeParams(opts); err != nil {
			return err
		}
		if err := checkDir(resize.outDir); err != nil {
			return err
		}
	}

	// Image decoding loads large files into memory, so the concurrent pool
	// is bounded and only used when there is image work to do.
	workers := 1
	if opts.ResizeImages() {
		workers = 2 * runtime.NumCPU()
	}
	if len(files) < workers {
		workers = len(files)
	}

	exports, failed := processAll(files, workers, func(path string) (TFAnnotatedFile, error) {
		return processFile(path, outDir, factor, opts, imageExts, resize)
	})

	if opts.TFRecordPath != "" {
		if err := WriteTFRecord(opts.TFRecordPath, opts.LabelMapPath, exports, opts.NumShards); err != nil {
			return err
		}
	}

	log.Printf("Wrote %d annotation files to %s", len(files)-failed, outDir)
	if failed > 0 {
		return fmt.Errorf("failed to process %d of %d files", failed, len(files))
	}
	return nil
}

// newResizeParams validates the resize configuration in opts.
func newResizeParams(opts Options) (*resizeParams, error) {
	downsample, err := resampleFilter(opts.Downsample)
	if err != nil {
		return nil, err
	}
	upsample, err := resampleFilter(opts.Upsample)
	if err != nil {
		return nil, err
	}
	fileExt, err := imageFileExt(opts.Encoding)
	if err != nil {
		return nil, err
	}

	return &resizeParams{
		longerSide:  opts.ResizeLonger,
		shorterSide: opts.ResizeShorter,
		downsample:  downsample,
		upsample:    upsample,
		fileExt:     fileExt,
		jpegQuality: opts.JPEGQuality,
		outDir:      opts.ImageOutDir,
	}, nil
}

// processAll feeds files through process on a pool of workers and collects
// the per-file export data. Returns the collected data and the number of
// files that failed.
//
// Annotation files are independent of each other, so the only shared state
// is the result slice and the failure counter.
func processAll(files []string, workers int,
		process func(path string) (TFAnnotatedFile, error)) ([]TFAnnotatedFile, int) {

	if len(files) == 0 || workers < 1 {
		return nil, 0
	}

	workQueue := make(chan string, 2*workers)
	results := make(chan TFAnnotatedFile, 2*workers)

	var failed int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for path := range workQueue {
				out, err := process(path)
				if err != nil {
					log.Printf("Error while processing, skipping %q: %v", path, err)
					atomic.AddInt32(&failed, 1)
					continue
				}
				results <- out
			}
		}()
	}

	// Append results off the pool.
	exports := make([]TFAnnotatedFile, 0, len(files))
	var wgAppend sync.WaitGroup
	wgAppend.Add(1)
	go func() {
		defer wgAppend.Done()
		for out := range results {
			exports = append(exports, out)
		}
	}()

	// Feed the work queue.
	for _, path := range files {
		workQueue <- path
	}
	close(workQueue)

	wg.Wait()
	close(results)
	wgAppend.Wait()

	return exports, int(failed)
}

// processFile runs the full pipeline for a single annotation file: parse,
// scale the boxes, optionally resize the annotated image and rescale the
// coordinates, and write the document to outDir.
//
// The output file is only created once every box in the document has been
// read and scaled, so a malformed document never produces partial output.
func processFile(path, outDir string, factor float64, opts Options,
		imageExts map[string]string, resize *resizeParams) (TFAnnotatedFile, error) {

	f, err := ParseVOC(path)
	if err != nil {
		return TFAnnotatedFile{}, err
	}
	if err := f.ScaleBoxes(factor); err != nil {
		return TFAnnotatedFile{}, err
	}

	var imagePath string
	if imageExts != nil {
		_, baseNoExt, _, err := splitPath(path)
		if err != nil {
			return TFAnnotatedFile{}, err
		}
		imageExt, found := imageExts[baseNoExt]
		if !found {
			return TFAnnotatedFile{}, fmt.Errorf("no image for annotation %q", path)
		}
		imagePath = filepath.Join(opts.ImageDir, baseNoExt+"."+imageExt)
	}

	if resize != nil {
		if imagePath, err = resizeAnnotatedImage(f, imagePath, resize); err != nil {
			return TFAnnotatedFile{}, err
		}
	}

	if _, err := f.WriteTo(outDir); err != nil {
		return TFAnnotatedFile{}, err
	}

	objects, err := f.Objects()
	if err != nil {
		return TFAnnotatedFile{}, err
	}

	return TFAnnotatedFile{ImagePath: imagePath, Objects: objects}, nil
}

// resizeAnnotatedImage resizes the image referenced by f, writes it to the
// image output directory and rescales the annotation coordinates to match.
// Returns the path of the resized image.
func resizeAnnotatedImage(f *AnnotatedFile, imagePath string, resize *resizeParams) (string, error) {
	img, _, err := loadImage(imagePath)
	if err != nil {
		return "", fmt.Errorf("cannot read image %q: %v", imagePath, err)
	}

	resized, scaleWidth, scaleHeight :=
			resizeImage(img, resize.longerSide, resize.shorterSide, resize.downsample, resize.upsample)

	_, baseNoExt, _, err := splitPath(imagePath)
	if err != nil {
		return "", err
	}
	outPath := filepath.Join(resize.outDir, baseNoExt+resize.fileExt)
	if err := saveImage(outPath, resized, resize.jpegQuality); err != nil {
		return "", fmt.Errorf("cannot write image %q: %v", outPath, err)
	}

	if err := f.RescaleCoords(scaleWidth, scaleHeight); err != nil {
		return "", err
	}

	return outPath, nil
}
