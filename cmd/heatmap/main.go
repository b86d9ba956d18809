// Command heatmap counts people in a directory of region-tagged images using
// a running people-count service and shades each region of an SVG floor plan
// by how crowded it is.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/Tutortoise/people-count-service/heatmap"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath = flag.String("config", "config/regions.json", "region definitions")
		imageDir   = flag.String("images", "tests/images", "directory of images to count")
		mapPath    = flag.String("map", "map.svg", "SVG floor plan")
		outPath    = flag.String("out", "heatmap.svg", "where to write the heatmap")
		endpoint   = flag.String("endpoint", heatmap.DefaultEndpoint, "people-count service base URL")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *configPath, *imageDir, *mapPath, *outPath, *endpoint); err != nil {
		log.WithError(err).Fatal("heatmap generation failed")
	}
}

func run(ctx context.Context, log logrus.FieldLogger, configPath, imageDir, mapPath, outPath, endpoint string) error {
	regions, err := heatmap.LoadRegions(configPath)
	if err != nil {
		return err
	}

	client := heatmap.NewClient(endpoint, nil)
	if err := client.Ping(ctx); err != nil {
		log.WithError(err).Error("people-count service is not running, start it before running this command")
		return err
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(regions))
	for _, entry := range entries {
		if entry.IsDir() || !heatmap.IsImageFile(entry.Name()) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		path := filepath.Join(imageDir, entry.Name())
		region, ok := heatmap.AssignRegion(regions, path)
		if !ok {
			log.WithField("image", entry.Name()).Warn("could not assign image to any region")
			continue
		}

		count, err := client.Count(ctx, path)
		if err != nil {
			log.WithError(err).WithField("image", entry.Name()).Error("error processing image")
			count = 0
		}
		counts[region] += count
		log.WithFields(logrus.Fields{
			"image":  entry.Name(),
			"region": region,
			"count":  count,
		}).Info("processed image")
	}

	svg, err := os.ReadFile(mapPath)
	if err != nil {
		return err
	}
	out, err := heatmap.Render(string(svg), regions, counts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(out), 0o644); err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.WithFields(logrus.Fields{"region": name, "count": counts[name]}).Debug("region total")
	}
	log.WithField("path", outPath).Info("heatmap generated")
	return nil
}
