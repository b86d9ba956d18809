// Package heatmap aggregates people counts per floor-plan region and renders
// them as translucent overlays on an SVG map.
package heatmap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Region is a named rectangle on the map, in SVG user units.
type Region struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type regionFile struct {
	Regions []Region `json:"regions"`
}

// LoadRegions reads a {"regions": [...]} document.
func LoadRegions(path string) ([]Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read regions")
	}

	var file regionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse regions %s", path)
	}
	if len(file.Regions) == 0 {
		return nil, errors.Errorf("no regions defined in %s", path)
	}
	for i, r := range file.Regions {
		if strings.TrimSpace(r.Name) == "" {
			return nil, errors.Errorf("region %d has no name", i)
		}
	}
	return file.Regions, nil
}

// AssignRegion picks the region an image belongs to by its file name: the
// first region whose name, without spaces and lowercased, appears in the
// lowercased base name. "Rest Room 1" matches "restroom1_cam2.jpg".
func AssignRegion(regions []Region, imagePath string) (string, bool) {
	name := strings.ToLower(filepath.Base(imagePath))
	for _, r := range regions {
		key := strings.ToLower(strings.ReplaceAll(r.Name, " ", ""))
		if key != "" && strings.Contains(name, key) {
			return r.Name, true
		}
	}
	return "", false
}

// IsImageFile reports whether path has an extension the counter accepts.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
