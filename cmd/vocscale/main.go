// Batch-rescales the bounding boxes in Pascal VOC annotation files around
// their centers, with optional image resizing and TFRecord export.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zhill/vocscale"
)

var (
	annotationDirPath    string  // The input directory with the annotation files.
	annotationOutDirPath string  // The output directory for the scaled annotation files.
	scaleFactor          float64 // The box scale factor.

	imageDirPath    string // The directory with the annotated images.
	imageOutDirPath string // The output directory for images after processing.

	imageResizeLonger       int    // The target length for the longer side of the image.
	imageResizeShorter      int    // The target length for the shorter side of the image.
	imageDownsamplingFilter string // The algorithm to use when downsampling.
	imageUpsamplingFilter   string // The algorithm to use when upsampling.
	imageOutEncoding        string // The file type for image outputs.
	imageJPEGQuality        int    // The JPEG quality for JPEG outputs.

	tfRecordFilePath     string // The TFRecord output file.
	tfRecordLabelMapPath string // The TFRecord label map file.
	numShardFiles        int    // The number of shard files to create.
)

func init() {
	flag.Usage = func() {
		prog := filepath.Base(os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags] <input_dir> <output_dir> <scale_factor>\n", prog)
		_, _ = fmt.Fprintln(os.Stderr, "Example, to reduce each box by a scale factor of -.5 use:")
		_, _ = fmt.Fprintf(os.Stderr, "  %s ./annotations ./out -.5\n", prog)
		_, _ = fmt.Fprintln(os.Stderr,
			"Positive scale factors increase box size, negative factors decrease size.")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}

	printUsageAndExit := func(msg ...interface{}) {
		log.Print(msg...)
		flag.Usage()
		os.Exit(1)
	}

	// Image path arguments.
	flag.StringVar(&imageDirPath, "images", imageDirPath,
		"The `path` to the image input directory (required for resizing and TFRecord export)")
	flag.StringVar(&imageOutDirPath, "images-out", imageOutDirPath,
		"The `path` to the image output directory (required when resizing)")

	// Image processing arguments.
	flag.IntVar(&imageResizeLonger, "resize-longer", imageResizeLonger,
		"The target `length` for the longer side of the image (zero to keep aspect ratio)")
	flag.IntVar(&imageResizeShorter, "resize-shorter", imageResizeShorter,
		"The target `length` for the shorter side of the image (zero to keep aspect ratio)")
	flag.StringVar(&imageDownsamplingFilter, "downsample-filter", "box",
		"The filter to use when downsampling an image {nearest, box, linear, gaussian, lanczos}")
	flag.StringVar(&imageUpsamplingFilter, "upsample-filter", "linear",
		"The filter to use when upsampling an image {nearest, box, linear, gaussian, lanczos}")
	flag.StringVar(&imageOutEncoding, "image-enc", "jpg",
		"The `encoding` for output images {jpg, png}")
	flag.IntVar(&imageJPEGQuality, "jpeg-quality", 90,
		"The quality to use when encoding JPEGs [1, 100]")

	// TFRecord export arguments.
	flag.StringVar(&tfRecordFilePath, "tfrecord-out", tfRecordFilePath,
		"The TFRecord output file `path` (empty disables the export)")
	flag.StringVar(&tfRecordLabelMapPath, "tfrecord-label-map", tfRecordLabelMapPath,
		"The TFRecord label map file `path`")
	flag.IntVar(&numShardFiles, "num-shards", 1,
		"The number of TFRecord shard files to create")

	// A help request anywhere in the argument list wins over everything
	// else and is not an error. flag.Parse only recognises -h/-help ahead
	// of the first positional argument.
	for _, arg := range os.Args[1:] {
		if arg == "--help" || arg == "-help" || arg == "-h" {
			flag.Usage()
			os.Exit(0)
		}
	}

	flag.Parse()

	// Validate the positional arguments.
	args := flag.Args()
	if len(args) != 3 {
		printUsageAndExit("Expected exactly 3 arguments: <input_dir> <output_dir> <scale_factor>")
	}
	annotationDirPath = filepath.Clean(args[0])
	annotationOutDirPath = filepath.Clean(args[1])

	var err error
	if scaleFactor, err = strconv.ParseFloat(args[2], 64); err != nil {
		printUsageAndExit("Invalid scale factor: ", args[2])
	}

	// Validate the image processing arguments.
	doResize := imageResizeLonger > 0 || imageResizeShorter > 0
	if doResize && (imageDirPath == "" || imageOutDirPath == "") {
		printUsageAndExit("Resizing requires both -images and -images-out")
	}
	if imageJPEGQuality < 1 || imageJPEGQuality > 100 {
		imageJPEGQuality = 92
		log.Print("Invalid JPEG quality, setting it to ", imageJPEGQuality)
	}

	// Validate the TFRecord export arguments.
	if tfRecordFilePath != "" && (imageDirPath == "" || tfRecordLabelMapPath == "") {
		printUsageAndExit("TFRecord export requires -images and -tfrecord-label-map")
	}

	// Clean path arguments.
	if imageDirPath != "" {
		imageDirPath = filepath.Clean(imageDirPath)
	}
	if imageOutDirPath != "" {
		imageOutDirPath = filepath.Clean(imageOutDirPath)
	}
	if imageDirPath != "" && imageDirPath == imageOutDirPath {
		printUsageAndExit("The image input and output paths cannot be identical")
	}
}

func main() {
	opts := vocscale.Options{
		ImageDir:      imageDirPath,
		ImageOutDir:   imageOutDirPath,
		ResizeLonger:  imageResizeLonger,
		ResizeShorter: imageResizeShorter,
		Downsample:    imageDownsamplingFilter,
		Upsample:      imageUpsamplingFilter,
		Encoding:      imageOutEncoding,
		JPEGQuality:   imageJPEGQuality,
		TFRecordPath:  tfRecordFilePath,
		LabelMapPath:  tfRecordLabelMapPath,
		NumShards:     numShardFiles,
	}

	if err := vocscale.Process(annotationDirPath, annotationOutDirPath, scaleFactor, opts); err != nil {
		log.Fatal("Processing failed: ", err)
	}
}
