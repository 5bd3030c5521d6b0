package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/flagx"
	"github.com/dmitrijs2005/bulksync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "2s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config.
type JsonConfig struct {
	AccountURL          string         `json:"account_url"`
	Username            string         `json:"username"`
	Password            string         `json:"password"`
	JournalDSN          string         `json:"journal_dsn"`
	LocalPath           string         `json:"local_path"`
	RemotePath          string         `json:"remote_path"`
	BatchSize           *int           `json:"batch_size"`
	MinFileAgeForUpload timex.Duration `json:"min_file_age_for_upload"`
	UploadChecksumType  string         `json:"upload_checksum_type"`
	PollInterval        timex.Duration `json:"poll_interval"`
	LogLevel            string         `json:"log_level"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c or -config flags; when neither is given, no JSON is
// loaded. Read or unmarshal errors panic (caller may recover).
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.AccountURL != "" {
		cfg.AccountURL = jc.AccountURL
	}
	if jc.Username != "" {
		cfg.Username = jc.Username
	}
	if jc.Password != "" {
		cfg.Password = jc.Password
	}
	if jc.JournalDSN != "" {
		cfg.JournalDSN = jc.JournalDSN
	}
	if jc.LocalPath != "" {
		cfg.LocalPath = jc.LocalPath
	}
	if jc.RemotePath != "" {
		cfg.RemotePath = jc.RemotePath
	}
	if jc.BatchSize != nil {
		cfg.BatchSize = *jc.BatchSize
	}
	if jc.MinFileAgeForUpload.Duration != 0 {
		cfg.MinFileAgeForUpload = time.Duration(jc.MinFileAgeForUpload.Duration)
	}
	if jc.UploadChecksumType != "" {
		cfg.UploadChecksumType = jc.UploadChecksumType
	}
	if jc.PollInterval.Duration != 0 {
		cfg.PollInterval = time.Duration(jc.PollInterval.Duration)
	}
	if jc.LogLevel != "" {
		cfg.LogLevel = jc.LogLevel
	}
}
