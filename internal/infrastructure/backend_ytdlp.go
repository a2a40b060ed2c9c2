package infrastructure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"github.com/yourusername/convertmaster-go/pkg/logger"
	"go.uber.org/zap"
)

const (
	progressPrefix    = "[progress]"
	postprocessPrefix = "[postprocess]"
	filePrefix        = "[file]"
	titlePrefix       = "[title]"

	// longest stdout line parsed; longer output is copied to the log unparsed
	maxOutputLine = 1024 * 1024
)

// YTDLPBackend implements ExtractionBackend with yt-dlp and ffmpeg
type YTDLPBackend struct {
	config      *domain.BackendConfig
	logsDir     string
	eventLogger *logger.MultiLogger // For structured events only (LogAppError)
	logMu       sync.Mutex
}

// NewYTDLPBackend creates a new yt-dlp backend
func NewYTDLPBackend(config *domain.BackendConfig, eventLogger *logger.MultiLogger) *YTDLPBackend {
	return &YTDLPBackend{
		config:      config,
		logsDir:     config.TransferLogDir,
		eventLogger: eventLogger,
	}
}

// ProbeRenditions asks yt-dlp for the formats offered by locator
func (b *YTDLPBackend) ProbeRenditions(ctx context.Context, locator string) ([]domain.Rendition, error) {
	args := []string{"--dump-single-json", "--no-warnings", "--no-playlist", "--skip-download"}
	args = append(args, b.cookieArgs()...)
	args = append(args, locator)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.config.YTDLPBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewBackendUnavailable("probe timed out", ctx.Err(), true)
		}
		return nil, classifyProbeError(err, stderr.String())
	}

	renditions, err := parseRenditions(stdout.Bytes())
	if err != nil {
		return nil, domain.NewBackendUnavailable("unreadable probe output", err, false)
	}
	return renditions, nil
}

// Transfer downloads the selected rendition into outputDir
func (b *YTDLPBackend) Transfer(ctx context.Context, locator string, selector domain.RenditionSelector, outputDir string, progress domain.ProgressFunc) (domain.TransferResult, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return domain.TransferResult{}, domain.NewTransferFailed("failed to create output directory", err)
	}
	if progress == nil {
		progress = func(domain.TransferProgress) error { return nil }
	}

	transferLog, err := b.openLogFile()
	if err != nil {
		return domain.TransferResult{}, domain.NewTransferFailed("failed to open transfer log", err)
	}
	defer transferLog.Close()

	args := b.transferArgs(locator, selector, outputDir)
	b.writeLogHeader(transferLog, "transfer", ShellEscapeCommand(b.config.YTDLPBinary, args...))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.config.YTDLPBinary, args...)
	cmd.Stderr = io.MultiWriter(transferLog, &stderr)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.TransferResult{}, domain.NewTransferFailed("failed to get stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		b.writeLogFooter(transferLog, false, fmt.Sprintf("failed to start yt-dlp: %v", err))
		return domain.TransferResult{}, classifyTransferError(err, "failed to start yt-dlp")
	}

	var result domain.TransferResult
	var abortErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(transferLog, line)

		switch {
		case strings.HasPrefix(line, filePrefix):
			result.FilePath = strings.TrimSpace(strings.TrimPrefix(line, filePrefix))
			continue
		case strings.HasPrefix(line, titlePrefix):
			result.Title = strings.TrimSpace(strings.TrimPrefix(line, titlePrefix))
			continue
		}

		sample, ok := parseProgressLine(line)
		if !ok || abortErr != nil || progress == nil {
			continue
		}
		if err := progress(sample); err != nil {
			abortErr = err
			cancel()
		}
	}
	if err := scanner.Err(); err != nil {
		b.logError("Stopped reading yt-dlp output", zap.String("locator", locator), zap.Error(err))
		// keep the pipe flowing so yt-dlp can exit
		io.Copy(transferLog, stdout)
	}

	waitErr := cmd.Wait()
	switch {
	case abortErr != nil:
		b.writeLogFooter(transferLog, false, fmt.Sprintf("aborted: %v", abortErr))
		return domain.TransferResult{}, abortErr
	case ctx.Err() != nil:
		b.writeLogFooter(transferLog, false, fmt.Sprintf("aborted: %v", ctx.Err()))
		return domain.TransferResult{}, ctx.Err()
	case waitErr != nil:
		msg := lastErrorLine(stderr.String())
		b.writeLogFooter(transferLog, false, fmt.Sprintf("yt-dlp failed: %v", waitErr))
		b.logError("Transfer failed", zap.String("locator", locator), zap.String("stderr", msg), zap.Error(waitErr))
		return domain.TransferResult{}, classifyTransferError(waitErr, msg)
	}

	if result.FilePath == "" {
		files, err := findMediaFiles(outputDir)
		if err != nil || len(files) == 0 {
			b.writeLogFooter(transferLog, false, "no files downloaded")
			return domain.TransferResult{}, domain.NewTransferFailed("no files downloaded", err)
		}
		result.FilePath = files[0]
	}

	b.writeLogFooter(transferLog, true, fmt.Sprintf("Downloaded: %s", result.FilePath))
	return result, nil
}

// PostProcess converts filePath to codec with ffmpeg and removes the input
func (b *YTDLPBackend) PostProcess(ctx context.Context, filePath, codec, bitrate string) (string, error) {
	encoder, ext, ok := audioEncoder(codec)
	if !ok {
		return "", domain.NewPostProcessingFailed(fmt.Sprintf("unsupported audio codec %q", codec), nil)
	}

	stem := strings.TrimSuffix(filePath, filepath.Ext(filePath))
	target := stem + "." + ext
	temp := stem + ".tmp." + ext

	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", filePath, "-vn", "-c:a", encoder}
	if bitrate != "" {
		args = append(args, "-b:a", bitrate)
	}
	args = append(args, temp)

	transferLog, err := b.openLogFile()
	if err != nil {
		return "", domain.NewPostProcessingFailed("failed to open transfer log", err)
	}
	defer transferLog.Close()
	b.writeLogHeader(transferLog, "post-process", ShellEscapeCommand(b.config.FFmpegBinary, args...))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.config.FFmpegBinary, args...)
	cmd.Stdout = transferLog
	cmd.Stderr = io.MultiWriter(transferLog, &stderr)

	if err := cmd.Run(); err != nil {
		os.Remove(temp)
		if ctx.Err() != nil {
			b.writeLogFooter(transferLog, false, fmt.Sprintf("aborted: %v", ctx.Err()))
			return "", ctx.Err()
		}
		b.writeLogFooter(transferLog, false, fmt.Sprintf("ffmpeg failed: %v", err))
		return "", domain.NewPostProcessingFailed("ffmpeg failed: "+lastErrorLine(stderr.String()), err)
	}

	if err := os.Rename(temp, target); err != nil {
		os.Remove(temp)
		return "", domain.NewPostProcessingFailed("failed to move converted file", err)
	}
	if target != filePath {
		os.Remove(filePath)
	}

	b.writeLogFooter(transferLog, true, fmt.Sprintf("Converted: %s", target))
	return target, nil
}

// transferArgs builds the yt-dlp arguments for a transfer
func (b *YTDLPBackend) transferArgs(locator string, selector domain.RenditionSelector, outputDir string) []string {
	args := []string{
		"-f", FormatSelector(selector),
		"--newline",
		"--no-colors",
		"--no-playlist",
		"--restrict-filenames",
		"--progress",
		"--progress-template", "download:" + progressPrefix + " %(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.total_bytes_estimate)s %(progress.eta)s",
		"--progress-template", "postprocess:" + postprocessPrefix + " %(progress.postprocessor)s %(progress.status)s",
		"--print", "before_dl:" + titlePrefix + " %(title)s",
		"--print", "after_move:" + filePrefix + " %(filepath)s",
		"--no-simulate",
		"-o", filepath.Join(outputDir, "%(title)s.%(ext)s"),
	}

	if !selector.AudioOnly && b.config.MergeFormat != "" {
		args = append(args, "--merge-output-format", b.config.MergeFormat)
	}
	if b.config.FFmpegBinary != "" && filepath.IsAbs(b.config.FFmpegBinary) {
		args = append(args, "--ffmpeg-location", b.config.FFmpegBinary)
	}
	args = append(args, b.cookieArgs()...)

	return append(args, locator)
}

func (b *YTDLPBackend) cookieArgs() []string {
	if b.config.CookieFile != "" && fileExists(b.config.CookieFile) {
		return []string{"--cookies", b.config.CookieFile}
	}
	return nil
}

// FormatSelector renders a rendition selector as a yt-dlp format expression
func FormatSelector(selector domain.RenditionSelector) string {
	if selector.AudioOnly {
		return "bestaudio/best"
	}
	if selector.MaxHeight <= 0 {
		return "bestvideo+bestaudio/best"
	}
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", selector.MaxHeight, selector.MaxHeight)
}

// openLogFile opens the transfer log file for today
func (b *YTDLPBackend) openLogFile() (*os.File, error) {
	if err := os.MkdirAll(b.logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(b.logsDir, logger.LogFileName(logger.CategoryTransfer, time.Now()))
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// writeLogHeader writes the command start marker
func (b *YTDLPBackend) writeLogHeader(file *os.File, step, cmdLine string) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(file, "\n=== [%s] %s ===\n", timestamp, step)
	fmt.Fprintf(file, "$ %s\n", cmdLine)
}

// writeLogFooter writes the command end marker
func (b *YTDLPBackend) writeLogFooter(file *os.File, success bool, message string) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	fmt.Fprintf(file, "[%s] %s: %s\n", timestamp, status, message)
	file.WriteString("=== END ===\n\n")
}

func (b *YTDLPBackend) logError(msg string, fields ...zap.Field) {
	if b.eventLogger != nil {
		b.eventLogger.LogAppError(msg, fields...)
	}
}

// probeOutput is the subset of yt-dlp's JSON dump we read
type probeOutput struct {
	Title   string `json:"title"`
	Formats []struct {
		FormatID string `json:"format_id"`
		Ext      string `json:"ext"`
		Height   *int   `json:"height"`
		VCodec   string `json:"vcodec"`
		ACodec   string `json:"acodec"`
	} `json:"formats"`
}

// parseRenditions converts a yt-dlp JSON dump into renditions
func parseRenditions(data []byte) ([]domain.Rendition, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	renditions := make([]domain.Rendition, 0, len(out.Formats))
	for _, f := range out.Formats {
		r := domain.Rendition{
			FormatID: f.FormatID,
			Ext:      f.Ext,
			HasAudio: f.ACodec != "" && f.ACodec != "none",
		}
		if f.Height != nil {
			r.Height = *f.Height
		}
		switch f.VCodec {
		case "none":
		case "":
			r.HasVideo = r.Height > 0
		default:
			r.HasVideo = true
		}
		renditions = append(renditions, r)
	}
	return renditions, nil
}

// parseProgressLine parses a line written by the progress templates
func parseProgressLine(line string) (domain.TransferProgress, bool) {
	if strings.HasPrefix(line, postprocessPrefix) {
		return domain.TransferProgress{Phase: domain.PhasePostProcessing}, true
	}
	if !strings.HasPrefix(line, progressPrefix) {
		return domain.TransferProgress{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(line, progressPrefix))
	if len(fields) < 4 {
		return domain.TransferProgress{}, false
	}

	sample := domain.TransferProgress{
		DownloadedBytes: parseByteCount(fields[0]),
		TotalBytes:      parseByteCount(fields[1]),
		Phase:           domain.PhaseFetching,
	}
	if sample.TotalBytes == 0 {
		sample.TotalBytes = parseByteCount(fields[2])
	}
	if eta, err := strconv.ParseFloat(fields[3], 64); err == nil && eta >= 0 {
		seconds := int(eta)
		sample.ETA = &seconds
	}
	return sample, true
}

// parseByteCount parses a yt-dlp byte field, which may be "NA" or fractional
func parseByteCount(s string) int64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int64(v)
}

// audioEncoder maps a codec name to an ffmpeg encoder and file extension
func audioEncoder(codec string) (encoder, ext string, ok bool) {
	switch strings.ToLower(codec) {
	case "mp3":
		return "libmp3lame", "mp3", true
	case "aac", "m4a":
		return "aac", "m4a", true
	case "opus":
		return "libopus", "opus", true
	case "vorbis", "ogg":
		return "libvorbis", "ogg", true
	case "flac":
		return "flac", "flac", true
	case "wav":
		return "pcm_s16le", "wav", true
	default:
		return "", "", false
	}
}

var (
	unavailableMarkers = []string{
		"Unsupported URL",
		"is not a valid URL",
		"Video unavailable",
		"Private video",
		"This video is not available",
		"has been removed",
	}
	networkMarkers = []string{
		"timed out",
		"Temporary failure in name resolution",
		"Connection reset",
		"Connection refused",
		"Network is unreachable",
		"Unable to download webpage",
		"HTTP Error 429",
		"HTTP Error 5",
	}
)

// classifyProbeError maps a failed probe to a domain error
func classifyProbeError(err error, stderr string) error {
	msg := lastErrorLine(stderr)
	switch {
	case isNotFound(err):
		return domain.NewBackendUnavailable("yt-dlp not found", err, false)
	case containsAny(stderr, unavailableMarkers):
		return domain.NewValidationError("source not available: %s", msg)
	case containsAny(stderr, networkMarkers):
		return domain.NewBackendUnavailable(msg, err, true)
	default:
		return domain.NewBackendUnavailable(msg, err, false)
	}
}

// classifyTransferError maps a failed transfer to a domain error
func classifyTransferError(err error, msg string) error {
	if isNotFound(err) {
		return domain.NewBackendUnavailable("yt-dlp not found", err, false)
	}
	if msg == "" {
		msg = "yt-dlp failed"
	}
	return domain.NewTransferFailed(msg, err)
}

// lastErrorLine returns the last ERROR line of stderr, or its last non-empty line
func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(lines[i], "ERROR:") {
			return strings.TrimSpace(lines[i])
		}
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// isNotFound reports whether err means the binary is missing
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// findMediaFiles lists media files directly inside dir
func findMediaFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() && isMediaFile(path) {
			files = append(files, path)
		}
	}
	return files, nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isMediaFile checks if a file is an audio or video file
func isMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	mediaExts := []string{".mp4", ".mkv", ".webm", ".mov", ".m4v", ".m4a", ".mp3", ".opus", ".ogg", ".flac", ".wav", ".aac"}
	for _, mediaExt := range mediaExts {
		if ext == mediaExt {
			return true
		}
	}
	return false
}
