package main

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

const onnxRuntimeVersion = "1.20.0"

// defaultLibraryPath is where the onnxruntime shared library is expected when
// ONNXRUNTIME_LIB is not set.
func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join("lib", "libonnxruntime."+onnxRuntimeVersion+".dylib")
	case "windows":
		return filepath.Join("lib", "onnxruntime.dll")
	default:
		return filepath.Join("lib", "libonnxruntime.so."+onnxRuntimeVersion)
	}
}

// resolveAssets turns the configured model and library paths into absolute
// paths and checks that both files exist.
func resolveAssets(modelPath, libPath string) (string, string, error) {
	absModel, err := existingFile(modelPath)
	if err != nil {
		return "", "", errors.Wrap(err, "model file")
	}
	if libPath == "" {
		return absModel, "", nil
	}
	absLib, err := existingFile(libPath)
	if err != nil {
		return "", "", errors.Wrap(err, "onnxruntime library")
	}
	return absModel, absLib, nil
}

func existingFile(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.Errorf("not found: %s", abs)
	}
	if info.IsDir() {
		return "", errors.Errorf("%s is a directory", abs)
	}
	return abs, nil
}
