package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"snapfuzz/pkg/watchdog"

	"go.uber.org/zap"
)

// Seed is one input file read from a seed directory.
type Seed struct {
	Path string
	Data []byte
}

// LoadDirs reads every regular file of the seed directories, in name order. A
// missing or unreadable directory is an error; subdirectories are skipped.
func LoadDirs(dirs ...string) ([]Seed, error) {
	var seeds []Seed
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed directory %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read seed %s: %w", path, err)
			}
			seeds = append(seeds, Seed{Path: path, Data: data})
		}
	}
	return seeds, nil
}

// Importer collects files created in the seed directories while the campaign runs.
type Importer struct {
	files  chan string
	logger *zap.Logger
}

const importBacklog = 1024

// NewImporter watches dirs until ctx is done.
func NewImporter(ctx context.Context, fac *watchdog.WatchDogFactory, dirs []string, logger *zap.Logger) (*Importer, error) {
	imp := &Importer{
		files:  make(chan string, importBacklog),
		logger: logger.Named("importer"),
	}
	wd, err := fac.New(ctx, imp.files, isSeedFile)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := wd.AddDir(dir); err != nil {
			return nil, err
		}
	}
	return imp, nil
}

func isSeedFile(path string) bool {
	base := filepath.Base(path)
	// editors and rsync create hidden temporaries
	return base != "" && base[0] != '.'
}

// Poll returns up to max newly created seeds without blocking.
func (imp *Importer) Poll(max int) []Seed {
	var seeds []Seed
	for len(seeds) < max {
		select {
		case path, ok := <-imp.files:
			if !ok {
				return seeds
			}
			data, err := os.ReadFile(path)
			if err != nil {
				imp.logger.Warn("failed to read imported seed", zap.String("path", path), zap.Error(err))
				continue
			}
			seeds = append(seeds, Seed{Path: path, Data: data})
		default:
			return seeds
		}
	}
	return seeds
}
