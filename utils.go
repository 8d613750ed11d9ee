package vocscale

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// filesByExtInDir returns all regular files (or symlinks) with file
// extension ext found directly in directory dirPath. Subdirectories are not
// entered. The extension match is a case-sensitive suffix test; all files
// are returned if ext is empty. The order of the returned paths is the
// directory listing order.
func filesByExtInDir(dirPath, ext string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %q: %v", dirPath, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}
		if t := entry.Type(); !t.IsRegular() && t&os.ModeSymlink == 0 {
			continue
		}
		files = append(files, filepath.Join(dirPath, name))
	}

	return files, nil
}

// splitPath splits the given file path into the dir name, the base name
// without extension and the extension (without the dot).
func splitPath(path string) (dir, baseNoExt, ext string, err error) {
	dir, file := filepath.Split(path)
	ext = filepath.Ext(file)
	if ext == "" {
		return "", "", "", fmt.Errorf("missing file extension in %q", path)
	}

	dir = strings.TrimSuffix(dir, string(os.PathSeparator))
	baseNoExt = file[0 : len(file)-len(ext)]
	ext = ext[1:]

	return dir, baseNoExt, ext, nil
}

// mapFileNamesToExtensions maps the base names of the given file paths,
// with the file type extensions stripped off, to the file extension
// (without the dot).
func mapFileNamesToExtensions(filePaths []string) map[string]string {
	mapping := make(map[string]string, len(filePaths))
	for _, path := range filePaths {
		_, baseNoExt, ext, err := splitPath(path)
		if err != nil {
			continue
		}
		mapping[baseNoExt] = ext
	}

	return mapping
}

// checkDir verifies that dirPath exists and is a directory.
func checkDir(dirPath string) error {
	dirInfo, err := os.Stat(dirPath)
	if err != nil || !dirInfo.IsDir() {
		return fmt.Errorf("cannot access directory %q: %v", dirPath, err)
	}
	return nil
}

// closeWithErrCheck calls c.Close(). If it returns an error, and
// (*e == nil), e is set to that error.
func closeWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
