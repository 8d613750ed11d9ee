package vocscale

// Pascal VOC annotation file specific functionality.

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// The element names used by the annotation schema. Coordinate children of a
// bndbox are matched by tag, not by position; all other elements pass
// through untouched.
const (
	objectTag = "object"
	bndboxTag = "bndbox"
	nameTag   = "name"
	sizeTag   = "size"
	widthTag  = "width"
	heightTag = "height"
	xMinTag   = "xmin"
	xMaxTag   = "xmax"
	yMinTag   = "ymin"
	yMaxTag   = "ymax"
)

// xmlFileExt is the extension of annotation files, matched case-sensitively.
const xmlFileExt = ".xml"

// Object is a single labelled object within an annotation file.
type Object struct {
	Label string
	Box   BoundingBox
}

// AnnotatedFile is one parsed VOC annotation document. The XML tree is kept
// as parsed so that elements this tool does not touch are written back
// byte-identically.
type AnnotatedFile struct {
	FilePath string
	Extent   ImageExtent // The declared image size, used to clamp boxes.

	doc *etree.Document
}

// ParseVOC reads and parses the VOC annotation file at path.
func ParseVOC(path string) (*AnnotatedFile, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("cannot parse %q: %v", path, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("no root element in %q", path)
	}

	extent, err := extentFrom(root)
	if err != nil {
		return nil, fmt.Errorf("%q: %v", path, err)
	}

	return &AnnotatedFile{FilePath: path, Extent: extent, doc: doc}, nil
}

// ScaleBoxes rescales every bounding box in the document around its center
// by factor, clamped to the image extent. The new coordinates overwrite the
// old ones in the document tree.
//
// A document with an object that has no bndbox, or a bndbox with a missing
// or non-integer coordinate, fails as a whole; no coordinate is ever left
// at a default value.
func (f *AnnotatedFile) ScaleBoxes(factor float64) error {
	for _, obj := range f.doc.Root().SelectElements(objectTag) {
		bndbox := obj.SelectElement(bndboxTag)
		if bndbox == nil {
			return fmt.Errorf("%q: element %q has no %q", f.FilePath, objectTag, bndboxTag)
		}

		box, err := boxFromElement(bndbox)
		if err != nil {
			return fmt.Errorf("%q: %v", f.FilePath, err)
		}

		writeBoxToElement(ScaleBox(box, f.Extent, factor), bndbox)
	}

	return nil
}

// RescaleCoords applies linear width and height scale factors to all box
// coordinates and to the declared image size, e.g. after the annotated
// image has been resized. Coordinates are rounded to the nearest pixel and
// clamped to the new extent.
func (f *AnnotatedFile) RescaleCoords(scaleWidth, scaleHeight float64) error {
	root := f.doc.Root()

	extent := ImageExtent{
		Width:  int(math.Round(float64(f.Extent.Width) * scaleWidth)),
		Height: int(math.Round(float64(f.Extent.Height) * scaleHeight)),
	}

	for _, obj := range root.SelectElements(objectTag) {
		bndbox := obj.SelectElement(bndboxTag)
		if bndbox == nil {
			return fmt.Errorf("%q: element %q has no %q", f.FilePath, objectTag, bndboxTag)
		}

		box, err := boxFromElement(bndbox)
		if err != nil {
			return fmt.Errorf("%q: %v", f.FilePath, err)
		}

		box.XMin = min(extent.Width, int(math.Round(float64(box.XMin)*scaleWidth)))
		box.XMax = min(extent.Width, int(math.Round(float64(box.XMax)*scaleWidth)))
		box.YMin = min(extent.Height, int(math.Round(float64(box.YMin)*scaleHeight)))
		box.YMax = min(extent.Height, int(math.Round(float64(box.YMax)*scaleHeight)))
		writeBoxToElement(box, bndbox)
	}

	// The size element exists; ParseVOC validated it.
	size := root.SelectElement(sizeTag)
	size.SelectElement(widthTag).SetText(strconv.Itoa(extent.Width))
	size.SelectElement(heightTag).SetText(strconv.Itoa(extent.Height))
	f.Extent = extent

	return nil
}

// Objects returns the labelled objects currently in the document.
func (f *AnnotatedFile) Objects() ([]Object, error) {
	objElements := f.doc.Root().SelectElements(objectTag)
	objects := make([]Object, 0, len(objElements))
	for _, obj := range objElements {
		bndbox := obj.SelectElement(bndboxTag)
		if bndbox == nil {
			return nil, fmt.Errorf("%q: element %q has no %q", f.FilePath, objectTag, bndboxTag)
		}

		box, err := boxFromElement(bndbox)
		if err != nil {
			return nil, fmt.Errorf("%q: %v", f.FilePath, err)
		}

		var label string
		if name := obj.SelectElement(nameTag); name != nil {
			label = strings.TrimSpace(name.Text())
		}

		objects = append(objects, Object{Label: label, Box: box})
	}

	return objects, nil
}

// WriteTo serialises the document to dirPath under the input file's base
// name and returns the output path. Writing to the input directory
// overwrites the source file.
func (f *AnnotatedFile) WriteTo(dirPath string) (string, error) {
	outPath := filepath.Join(dirPath, filepath.Base(f.FilePath))
	if err := f.doc.WriteToFile(outPath); err != nil {
		return "", fmt.Errorf("cannot write file %q: %v", outPath, err)
	}
	return outPath, nil
}

// extentFrom reads the declared image size from the document root.
func extentFrom(root *etree.Element) (ImageExtent, error) {
	size := root.SelectElement(sizeTag)
	if size == nil {
		return ImageExtent{}, fmt.Errorf("missing element %q", sizeTag)
	}

	var extent ImageExtent
	var err error
	if extent.Width, err = intText(size, widthTag); err != nil {
		return ImageExtent{}, err
	}
	if extent.Height, err = intText(size, heightTag); err != nil {
		return ImageExtent{}, err
	}

	return extent, nil
}

// intText parses the integer text content of the named child of el.
func intText(el *etree.Element, tag string) (int, error) {
	child := el.SelectElement(tag)
	if child == nil {
		return 0, fmt.Errorf("missing element %q", tag)
	}

	v, err := strconv.Atoi(strings.TrimSpace(child.Text()))
	if err != nil {
		return 0, fmt.Errorf("invalid value in element %q: %v", tag, err)
	}
	return v, nil
}

// boxFromElement extracts the corner coordinates from a bndbox element. All
// four coordinate children must be present.
func boxFromElement(bndbox *etree.Element) (BoundingBox, error) {
	var box BoundingBox
	seen := make(map[string]bool, 4)

	for _, coord := range bndbox.ChildElements() {
		var dst *int
		switch coord.Tag {
		case xMinTag:
			dst = &box.XMin
		case xMaxTag:
			dst = &box.XMax
		case yMinTag:
			dst = &box.YMin
		case yMaxTag:
			dst = &box.YMax
		default:
			continue
		}

		v, err := strconv.Atoi(strings.TrimSpace(coord.Text()))
		if err != nil {
			return box, fmt.Errorf("invalid value in element %q: %v", coord.Tag, err)
		}
		*dst = v
		seen[coord.Tag] = true
	}

	for _, tag := range []string{xMinTag, yMinTag, xMaxTag, yMaxTag} {
		if !seen[tag] {
			return box, fmt.Errorf("element %q is missing coordinate %q", bndboxTag, tag)
		}
	}

	return box, nil
}

// writeBoxToElement writes the box coordinates back into the matching
// children of a bndbox element, overwriting their text in place.
func writeBoxToElement(box BoundingBox, bndbox *etree.Element) {
	for _, coord := range bndbox.ChildElements() {
		switch coord.Tag {
		case xMinTag:
			coord.SetText(strconv.Itoa(box.XMin))
		case xMaxTag:
			coord.SetText(strconv.Itoa(box.XMax))
		case yMinTag:
			coord.SetText(strconv.Itoa(box.YMin))
		case yMaxTag:
			coord.SetText(strconv.Itoa(box.YMax))
		}
	}
}
