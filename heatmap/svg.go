package heatmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const maxOpacity = 0.8

// Render overlays one red rectangle per region with a positive count onto
// svg. Opacity scales linearly with count up to maxOpacity for the busiest
// region. The rectangles are inserted before the closing </svg> tag.
func Render(svg string, regions []Region, counts map[string]int) (string, error) {
	end := strings.LastIndex(svg, "</svg>")
	if end < 0 {
		return "", errors.New("map has no closing </svg> tag")
	}

	peak := 0
	for _, r := range regions {
		if c := counts[r.Name]; c > peak {
			peak = c
		}
	}

	var rects strings.Builder
	if peak > 0 {
		for _, r := range regions {
			count := counts[r.Name]
			if count <= 0 {
				continue
			}
			opacity := float64(count) / float64(peak) * maxOpacity
			fmt.Fprintf(&rects, `<rect x="%s" y="%s" width="%s" height="%s" fill="rgba(255, 0, 0, %s)" />`+"\n",
				num(r.X), num(r.Y), num(r.Width), num(r.Height), num(opacity))
		}
	}

	return svg[:end] + rects.String() + svg[end:], nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
