package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/bulksync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   server base URL (default from Config)
//	-u string   account username
//	-p string   account password
//	-d string   journal database path
//	-l string   local sync folder
//	-r string   remote folder
//	-b int      batch size (files per bulk request)
//	-v string   log level (debug, info, warn, error)
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-p", "-d", "-l", "-r", "-b", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.AccountURL, "a", cfg.AccountURL, "server base URL")
	fs.StringVar(&cfg.Username, "u", cfg.Username, "account username")
	fs.StringVar(&cfg.Password, "p", cfg.Password, "account password")
	fs.StringVar(&cfg.JournalDSN, "d", cfg.JournalDSN, "journal database path")
	fs.StringVar(&cfg.LocalPath, "l", cfg.LocalPath, "local sync folder")
	fs.StringVar(&cfg.RemotePath, "r", cfg.RemotePath, "remote folder")
	fs.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "files per bulk request")
	fs.StringVar(&cfg.LogLevel, "v", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
