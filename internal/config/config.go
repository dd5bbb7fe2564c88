// Copyright 2023 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the service configuration. Every knob is
// settable through flags or the environment via kong tags; invalid
// combinations fail fast at startup.
package config

import (
	"time"

	"github.com/pkg/errors"
)

const (
	errNoDriveFolder = "gdrive source requires a drive folder id"
	errNoGCSBucket   = "gcs source requires a bucket"
	errNoLocalInbox  = "local source requires an inbox directory"
	errNoBinaries    = "processing requires generator and cli binary paths"
	errNoSMTPHost    = "email notifications require an smtp host and recipients"
)

// Source kinds.
const (
	SourceGDrive = "gdrive"
	SourceGCS    = "gcs"
	SourceLocal  = "local"
)

// Config is the full service configuration.
type Config struct {
	// Remote source selection.
	Source        string `name:"source" env:"SOURCE_KIND" enum:"gdrive,gcs,local" default:"gdrive" help:"Where packages are uploaded: gdrive, gcs or local."`
	DriveFolderID string `name:"drive-folder-id" env:"DRIVE_FOLDER_ID" help:"Google Drive folder to watch."`
	GCSBucket     string `name:"gcs-bucket" env:"GCS_BUCKET" help:"Cloud Storage bucket to watch."`
	GCSPrefix     string `name:"gcs-prefix" env:"GCS_PREFIX" help:"Object prefix within the bucket."`
	LocalInboxDir string `name:"local-inbox" env:"LOCAL_INBOX_DIR" help:"Local inbox directory to watch."`

	// Tracking sheet.
	SpreadsheetID  string `name:"spreadsheet-id" env:"SPREADSHEET_ID" help:"Tracking spreadsheet id. Empty disables sheet writes."`
	SheetName      string `name:"sheet-name" env:"SHEET_NAME" default:"MetaCam" help:"Tab name within the spreadsheet."`
	BatchWriteSize int    `name:"batch-write-size" env:"BATCH_WRITE_SIZE" default:"10" help:"Rows per sheet append call."`

	// Credentials shared by drive, gcs and sheets.
	ServiceAccountFile string `name:"service-account-file" env:"SERVICE_ACCOUNT_FILE" help:"Service account key file. Empty uses application default credentials."`

	// Polling and admission.
	CheckInterval     time.Duration `name:"interval" env:"CHECK_INTERVAL" default:"30s" help:"Remote poll interval."`
	MaxFileSizeMB     int64         `name:"max-file-size-mb" env:"MAX_FILE_SIZE_MB" default:"6144" help:"Largest admissible upload, in MiB."`
	AllowedExtensions []string      `name:"allowed-extensions" env:"ALLOWED_EXTENSIONS" default:".zip,.rar,.7z,.tar,.tgz" help:"Admitted archive extensions."`
	DefaultPasswords  []string      `name:"default-passwords" env:"DEFAULT_PASSWORDS" help:"Candidate passwords for protected archives, tried in order."`

	// Download.
	DownloadPath        string        `name:"download-path" env:"DOWNLOAD_PATH" default:"./downloads" help:"Where archives land."`
	DownloadChunkSizeMB int64         `name:"download-chunk-size-mb" env:"DOWNLOAD_CHUNK_SIZE_MB" default:"32" help:"Download chunk size, in MiB."`
	DownloadTimeout     time.Duration `name:"download-timeout" env:"DOWNLOAD_TIMEOUT" default:"300s" help:"Per-file download timeout."`
	DownloadRetries     int           `name:"download-retries" env:"DOWNLOAD_RETRIES" default:"3" help:"Download retry attempts."`
	MaxConcurrent       int           `name:"max-concurrent-downloads" env:"MAX_CONCURRENT_DOWNLOADS" default:"3" help:"Concurrent package workers."`

	// Scratch and retention.
	TempDir          string        `name:"temp-dir" env:"TEMP_DIR" default:"./tmp" help:"Scratch root for extraction."`
	ProcessedPath    string        `name:"processed-path" env:"PROCESSED_PATH" default:"./processed" help:"Final archive output directory."`
	KeepOriginalData bool          `name:"keep-original-data" env:"KEEP_ORIGINAL_DATA" help:"Retain scratch and downloaded archives after terminal states."`
	TrackerPath      string        `name:"tracker-path" env:"TRACKER_PATH" default:"./state/tracker.json" help:"Processed-set state file."`
	TrackerRetain    time.Duration `name:"tracker-retain" env:"TRACKER_RETAIN" default:"2160h" help:"How long processed records are retained."`

	// Validation.
	ValidationLevel   string        `name:"validation-level" env:"VALIDATION_LEVEL" enum:"STRICT,STANDARD,LENIENT" default:"STANDARD" help:"Validation strictness."`
	ValidationTimeout time.Duration `name:"validation-timeout" env:"VALIDATION_TIMEOUT" default:"1800s" help:"Overall validation timeout per package."`
	ScenePreset       string        `name:"scene-preset" env:"SCENE_PRESET" enum:"default,indoor,outdoor" default:"default" help:"Transient threshold preset and scene hint."`

	// Detection.
	DetectorHelper   string  `name:"detector-helper" env:"DETECTOR_HELPER" help:"Model runtime helper executable. Empty disables the transient validator."`
	DetectorModel    string  `name:"detector-model" env:"DETECTOR_MODEL" default:"yolo11m" help:"Detection model name. Segmentation derives by the -seg suffix."`
	DetectorConf     float64 `name:"detector-conf" env:"DETECTOR_CONF" default:"0.4" help:"Detection confidence threshold."`
	DetectorDevice   string  `name:"detector-device" env:"DETECTOR_DEVICE" default:"cpu" help:"Inference device hint: cpu, cuda or an index."`
	DetectBatchSize  int     `name:"detect-batch-size" env:"DETECT_BATCH_SIZE" default:"16" help:"Detection batch size."`
	SegmentBatchSize int     `name:"segment-batch-size" env:"SEGMENT_BATCH_SIZE" default:"8" help:"Segmentation batch size."`

	// Processing.
	AutoStartProcessing     bool          `name:"auto-start-processing" env:"AUTO_START_PROCESSING" default:"true" negatable:"" help:"Run the reconstruction binaries after a passing validation."`
	GeneratorExePath        string        `name:"generator-exe" env:"PROCESSORS_EXE_PATH" help:"Generator binary path."`
	MetaCamCLIPath          string        `name:"metacam-cli" env:"METACAM_CLI_PATH" help:"Reconstruction CLI binary path."`
	ProcessingTimeout       time.Duration `name:"processing-timeout" env:"PROCESSING_TIMEOUT_SECONDS" default:"600s" help:"Generator timeout."`
	MetaCamCLITimeout       time.Duration `name:"metacam-cli-timeout" env:"METACAM_CLI_TIMEOUT_SECONDS" default:"3600s" help:"CLI timeout."`
	ProcessingOutputPath    string        `name:"processing-output-path" env:"PROCESSING_OUTPUT_PATH" default:"./output" help:"Where the CLI writes its outputs."`
	ProcessingRetryAttempts int           `name:"processing-retry-attempts" env:"PROCESSING_RETRY_ATTEMPTS" default:"2" help:"Retries for fatal driver failures."`
	MetaCamCLIMode          int           `name:"metacam-cli-mode" env:"METACAM_CLI_MODE" default:"0" help:"CLI -mode parameter."`
	MetaCamCLIColor         int           `name:"metacam-cli-color" env:"METACAM_CLI_COLOR" default:"1" help:"CLI -color parameter."`
	IndoorScaleThresholdM   float64       `name:"indoor-scale-threshold-m" env:"INDOOR_SCALE_THRESHOLD_M" default:"30" help:"Indoor footprint below which the narrow scene type applies."`

	// Logging.
	LogLevel string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level."`
	LogFile  string `name:"log-file" env:"LOG_FILE" help:"Optional log file."`

	// Notifications.
	EnableEmailNotifications bool     `name:"enable-email-notifications" env:"ENABLE_EMAIL_NOTIFICATIONS" help:"Mail on FAILED transitions."`
	SMTPHost                 string   `name:"smtp-host" env:"SMTP_HOST" help:"SMTP server host."`
	SMTPPort                 int      `name:"smtp-port" env:"SMTP_PORT" default:"587" help:"SMTP server port."`
	SMTPUsername             string   `name:"smtp-username" env:"SMTP_USERNAME" help:"SMTP auth username."`
	SMTPPassword             string   `name:"smtp-password" env:"SMTP_PASSWORD" help:"SMTP auth password."`
	SMTPFrom                 string   `name:"smtp-from" env:"SMTP_FROM" help:"Notification sender."`
	SMTPTo                   []string `name:"smtp-to" env:"SMTP_TO" help:"Notification recipients."`
}

// Validate fails fast on contradictory settings.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceGDrive:
		if c.DriveFolderID == "" {
			return errors.New(errNoDriveFolder)
		}
	case SourceGCS:
		if c.GCSBucket == "" {
			return errors.New(errNoGCSBucket)
		}
	case SourceLocal:
		if c.LocalInboxDir == "" {
			return errors.New(errNoLocalInbox)
		}
	}
	if c.AutoStartProcessing && (c.GeneratorExePath == "" || c.MetaCamCLIPath == "") {
		return errors.New(errNoBinaries)
	}
	if c.EnableEmailNotifications && (c.SMTPHost == "" || len(c.SMTPTo) == 0) {
		return errors.New(errNoSMTPHost)
	}
	return nil
}

// MaxFileBytes returns the admission cap in bytes.
func (c *Config) MaxFileBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// DownloadChunkBytes returns the chunk size in bytes.
func (c *Config) DownloadChunkBytes() int64 {
	return c.DownloadChunkSizeMB * 1024 * 1024
}
