// coachsync-migrate moves the staged offline writes of a data directory from
// one fallback store backend to the other.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", defaultDataDir(), "coachsync data directory")
	from       = flag.String("from", string(storage.BackendBolt), "Source store backend (bolt or sqlite)")
	to         = flag.String("to", string(storage.BackendSQLite), "Destination store backend (bolt or sqlite)")
	dryRun     = flag.Bool("dry-run", false, "Show what would be copied without writing")
	backupPath = flag.String("backup", "", "Path to back up an existing destination database (default: <destination>.backup)")
	logJSON    = flag.Bool("log-json", false, "Log in JSON")
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coachsync"
	}
	return filepath.Join(home, ".coachsync")
}

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: *logJSON})

	if err := run(); err != nil {
		log.Logger.Fatal().Err(err).Msg("Migration failed")
	}
}

func run() error {
	src, dst := storage.Backend(*from), storage.Backend(*to)
	for _, b := range []storage.Backend{src, dst} {
		if b != storage.BackendBolt && b != storage.BackendSQLite {
			return fmt.Errorf("unknown store backend %q", b)
		}
	}
	if src == dst {
		return fmt.Errorf("source and destination are both %s", src)
	}

	srcPath := storage.Path(src, *dataDir)
	dstPath := storage.Path(dst, *dataDir)
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return fmt.Errorf("no %s store at %s", src, srcPath)
	}

	log.Logger.Info().
		Str("from", srcPath).
		Str("to", dstPath).
		Bool("dry_run", *dryRun).
		Msg("Copying staged writes")

	if _, err := os.Stat(dstPath); err == nil && !*dryRun {
		backup := *backupPath
		if backup == "" {
			backup = dstPath + ".backup"
		}
		if err := copyFile(dstPath, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", dstPath, err)
		}
		log.Logger.Info().Str("backup", backup).Msg("Backup created")
	}

	srcStore, err := storage.Open(src, *dataDir)
	if err != nil {
		return err
	}
	defer srcStore.Close()

	dstStore, err := storage.Open(dst, *dataDir)
	if err != nil {
		return err
	}
	defer dstStore.Close()

	stats, err := storage.Copy(dstStore, srcStore, *dryRun)
	if err != nil {
		return err
	}
	report(stats)

	if *dryRun {
		log.Logger.Info().Int("entries", stats.Total()).Msg("Dry run completed, nothing written")
		return nil
	}
	log.Logger.Info().
		Int("entries", stats.Total()).
		Str("source", srcPath).
		Msg("Migration completed. The source store is left in place")
	return nil
}

func report(stats *storage.CopyStats) {
	var rts []types.ResourceType
	for rt := range stats.Copied {
		rts = append(rts, rt)
	}
	for rt := range stats.Skipped {
		if _, ok := stats.Copied[rt]; !ok {
			rts = append(rts, rt)
		}
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i] < rts[j] })

	for _, rt := range rts {
		log.Logger.Info().
			Str("resource", string(rt)).
			Int("copied", stats.Copied[rt]).
			Int("kept_newer", stats.Skipped[rt]).
			Msg("Resource copied")
	}
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
