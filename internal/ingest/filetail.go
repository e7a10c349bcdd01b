package ingest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"geotrack/internal/config"
)

// StartFileTail follows newline-delimited JSON report files, one report
// per line. Truncated files are reopened from the start. Each follower is
// added to wg when it is non-nil; a line already read when ctx is cancelled
// is still handled before the follower exits.
func StartFileTail(ctx context.Context, cfg config.FileTailConfig, handler Handler, logger *slog.Logger, wg *sync.WaitGroup) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("file tail ingest disabled")
		return
	}
	for _, path := range cfg.Files {
		logger.Info("file tail ingest enabled", "path", path, "start_at_end", cfg.StartAtEnd)
		if wg != nil {
			wg.Add(1)
		}
		go func(path string) {
			if wg != nil {
				defer wg.Done()
			}
			tailFile(ctx, path, cfg.StartAtEnd, handler, logger)
		}(path)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, handler Handler, logger *slog.Logger) {
	// the offset has moved past a line once read, so it must be stored
	drainCtx := context.WithoutCancel(ctx)
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				logger.Warn("tail open failed", "path", path, "error", err)
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				// only the first open skips existing content
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var pending []byte
		for {
			chunk, err := reader.ReadBytes('\n')
			pending = append(pending, chunk...)
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset+int64(len(pending)) {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				logger.Warn("tail read error", "path", path, "error", err)
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(pending))
			line := bytes.TrimSpace(pending)
			pending = pending[:0]
			if len(line) == 0 {
				continue
			}
			handleLine(drainCtx, path, line, handler, logger)
		}
	}
}

func handleLine(ctx context.Context, path string, line []byte, handler Handler, logger *slog.Logger) {
	report, err := DecodeReport(line)
	if err != nil {
		handler.Rejected("file_tail", err)
		return
	}
	if err := handler.Handle(ctx, report); err != nil {
		// already logged and counted by the handler; the report is dropped
		logger.Debug("file tail report not stored", "path", path, "device_id", report.DeviceID, "error", err)
	}
}
