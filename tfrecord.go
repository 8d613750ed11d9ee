package vocscale

// TFRecord object detection export.

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	tensorflow "github.com/ryszard/tfutils/proto/tensorflow/core/example"
)

// TFAnnotatedFile is the per-image data needed for the TFRecord export.
type TFAnnotatedFile struct {
	ImagePath string
	Objects   []Object
}

// labelMap assigns integer class IDs (starting at 1) to label names.
type labelMap struct {
	ids    map[string]int32
	nextID int32
}

func newLabelMap() *labelMap {
	return &labelMap{ids: make(map[string]int32), nextID: 1}
}

// id returns the ID for the label, assigning a new one if no mapping
// exists yet.
func (m *labelMap) id(label string) int64 {
	id, ok := m.ids[label]
	if !ok {
		id = m.nextID
		m.ids[label] = id
		m.nextID++
	}
	return int64(id)
}

// toTFFeatures converts the data for a single image to the feature map of a
// TensorFlow object detection example. Box coordinates are normalised to
// [0, 1] by the actual image dimensions.
func toTFFeatures(fileData TFAnnotatedFile, labels *labelMap) (map[string]interface{}, error) {
	img, format, err := decodeImageConfig(fileData.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %v", err)
	}

	imgData, err := os.ReadFile(fileData.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %v", err)
	}

	f := make(map[string]interface{}, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = fileData.ImagePath
	f["image/source_id"] = fileData.ImagePath
	f["image/encoded"] = imgData
	f["image/format"] = format

	numLabels := len(fileData.Objects)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classes := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	for i, obj := range fileData.Objects {
		xmins[i] = float32(obj.Box.XMin) / float32(img.Width)
		ymins[i] = float32(obj.Box.YMin) / float32(img.Height)
		xmaxs[i] = float32(obj.Box.XMax) / float32(img.Width)
		ymaxs[i] = float32(obj.Box.YMax) / float32(img.Height)
		classes[i] = obj.Label
		classIDs[i] = labels.id(obj.Label)
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classes
	f["image/object/class/label"] = classIDs

	return f, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write
// for the annotation data to one or more TFRecord files stored under
// recordFilePath (with suffixes added when numShards > 1).
//
// The label map at labelMapPath is loaded and extended if it exists,
// created otherwise, and written back after the conversion.
func WriteTFRecord(recordFilePath, labelMapPath string, data []TFAnnotatedFile,
		numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}

	labels, err := loadLabelMap(labelMapPath)
	if err == nil {
		log.Print("Label map loaded successfully")
	} else if os.IsNotExist(err) {
		log.Print("Creating a new label map")
		labels = newLabelMap()
	} else {
		return fmt.Errorf("failed to read the label map from %q: %v", labelMapPath, err)
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	shardSize := int(math.Ceil(float64(len(data)) / float64(numShards)))
	shardIdx := -1

	// Convert and serialise one data element at a time.
	for i, fileData := range data {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++

			// Close the previous shard file.
			if shardFile != nil {
				_ = shardFile.Close()
				shardFile = nil
			}

			// Create the new shard file.
			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return fmt.Errorf("failed to create shard at %q: %v", shardPath, err)
			}
			shardFile = f
		}

		// Convert the file data to an example.
		features, err := toTFFeatures(fileData, labels)
		if err != nil {
			log.Printf("Failed to convert %q: %v", fileData.ImagePath, err)
			continue
		}
		tfExample := example.New(features)

		// Write the example.
		if err := writeTFRecordExample(shardFile, tfExample); err != nil {
			shardFile.Close()
			return fmt.Errorf("failed to write example to %q: %v", recordFilePath, err)
		}
	}

	if shardFile != nil {
		shardFile.Close()
	}

	return saveLabelMap(labelMapPath, labels)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord
// to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// saveLabelMap writes the label map to path as pbtxt item entries, ordered
// by ID.
func saveLabelMap(path string, labels *labelMap) (err error) {
	names := make([]string, 0, len(labels.ids))
	for name := range labels.ids {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return labels.ids[names[i]] < labels.ids[names[j]]
	})

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create the label map file %q: %v", path, err)
	}
	defer closeWithErrCheck(file, &err)

	for _, name := range names {
		_, err := fmt.Fprintf(file, "item {\n  name: %q\n  id: %d\n}\n", name, labels.ids[name])
		if err != nil {
			return fmt.Errorf("failed to write the label map %q: %v", path, err)
		}
	}

	return nil
}

// loadLabelMap loads the pbtxt label map from path.
//
// If an error occurs because the file does not exist, then os.IsNotExist
// will return true for the error.
func loadLabelMap(path string) (*labelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	labels := newLabelMap()
	var name string
	var haveName bool
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "name:"):
			name, err = strconv.Unquote(strings.TrimSpace(strings.TrimPrefix(line, "name:")))
			if err != nil {
				return nil, fmt.Errorf("invalid entry %q: %v", line, err)
			}
			haveName = true
		case strings.HasPrefix(line, "id:"):
			id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "id:")))
			if err != nil || id <= 0 || !haveName {
				return nil, fmt.Errorf("invalid entry: %s: %s", name, line)
			}

			labels.ids[name] = int32(id)
			if int32(id) >= labels.nextID {
				labels.nextID = int32(id) + 1
			}
			haveName = false
		}
	}

	return labels, nil
}
