// Command bulksync uploads the files under a local folder to a server in
// bulk requests, maintaining a local sync journal between runs.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/bulksync/internal/client/config"
	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/client/propagator"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/dmitrijs2005/bulksync/internal/transport"

	_ "modernc.org/sqlite"
)

func newLogger(level string) logging.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	return logging.NewSlogLogger(slog.New(h))
}

// scanLocalFolder builds the upload queue: every regular file below root
// becomes a new-file item. Change detection against the remote tree belongs
// to the discovery phase and is out of scope here.
func scanLocalFolder(root string) ([]*models.SyncItem, error) {
	var items []*models.SyncItem
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		items = append(items, &models.SyncItem{
			File:        filepath.ToSlash(rel),
			Size:        info.Size(),
			Modtime:     info.ModTime().Unix(),
			Instruction: models.InstructionNew,
		})
		return nil
	})
	return items, err
}

func run() error {
	cfg := config.LoadConfig()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	if cfg.LocalPath == "" {
		return fmt.Errorf("no local sync folder given (-l)")
	}

	jnl, err := journal.Open(ctx, cfg.JournalDSN, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	account, err := transport.NewAccount(cfg.AccountURL, cfg.Username, cfg.Password)
	if err != nil {
		return fmt.Errorf("account url: %w", err)
	}
	account.Capabilities.UploadChecksumType = cfg.UploadChecksumType

	items, err := scanLocalFolder(cfg.LocalPath)
	if err != nil {
		return fmt.Errorf("scan %s: %w", cfg.LocalPath, err)
	}
	if len(items) == 0 {
		logger.Info(ctx, "nothing to upload", "folder", cfg.LocalPath)
		return nil
	}

	p := propagator.New(account, jnl, filex.NewOsFileSystem(), logger)
	p.LocalPath = cfg.LocalPath
	p.RemotePath = cfg.RemotePath
	p.BatchSize = cfg.BatchSize
	p.MinFileAgeForUpload = cfg.MinFileAgeForUpload
	p.PollInterval = cfg.PollInterval
	p.OnItemCompleted = func(item *models.SyncItem) {
		if item.Status == models.Success || item.Status == models.Restoration {
			fmt.Printf("ok   %s\n", item.Destination())
			return
		}
		fmt.Printf("fail %s: %s (%s)\n", item.Destination(), item.ErrorString, item.Status)
	}

	job := propagator.NewBulkPropagatorJob(p, items)
	status := job.Run(ctx)

	if p.AnotherSyncNeeded {
		logger.Info(ctx, "another sync is needed")
	}
	if status != models.Success {
		return fmt.Errorf("upload finished with status %s", status)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}
