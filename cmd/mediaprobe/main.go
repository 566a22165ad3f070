// Command mediaprobe opens a local file or http(s) URL, dispatches it
// through demux/factory, and prints the streams, duration, and the first few
// encoded chunks — a thin demonstration harness for the demux family.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-musicfox/mediacore/bufferpool"
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/bytestream/filestream"
	"github.com/go-musicfox/mediacore/bytestream/httpstream"
	"github.com/go-musicfox/mediacore/config"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/demux/factory"
	"github.com/go-musicfox/mediacore/internal/app"
	"github.com/go-musicfox/mediacore/utils/slogx"
)

func main() {
	configPath := flag.String("config", app.ConfigFilePath(), "path to config.toml")
	logPath := flag.String("log", "", "path to a log file (stderr if empty)")
	maxChunks := flag.Int("chunks", 5, "number of chunks to read and print")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mediaprobe [flags] <path-or-url>")
		os.Exit(2)
	}
	target := flag.Arg(0)

	logger := slog.Default()
	if *logPath != "" {
		fl, err := slogx.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open log file:", err)
			os.Exit(1)
		}
		logger = fl
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Error("loading config", slogx.Error(err))
		os.Exit(1)
	}

	s, err := openTarget(target, cfg, logger)
	if err != nil {
		logger.Error("opening byte stream", slogx.Error(err))
		os.Exit(1)
	}
	defer s.Close()

	opts := factory.OptionsFromConfig(cfg)
	d, format, err := factory.Open(s, target, opts)
	if err != nil {
		logger.Error("format dispatch", slogx.Error(err))
		os.Exit(1)
	}
	fmt.Printf("format: %s\n", format)

	if err := d.ParseContainer(); err != nil {
		logger.Error("parsing container", slogx.Error(err))
		os.Exit(1)
	}

	fmt.Printf("duration: %d ms\n", d.DurationMs())
	for _, stream := range d.Streams() {
		fmt.Printf("stream %d: %s/%s %dHz %dch %dbit — %q / %q / %q\n",
			stream.StreamID, stream.CodecType, stream.CodecName,
			stream.SampleRate, stream.Channels, stream.BitsPerSample,
			stream.Tags.Artist, stream.Tags.Title, stream.Tags.Album)
	}

	printChunks(d, *maxChunks, logger)

	if r, ok := d.(demux.Recoverable); ok {
		stats := r.RecoveryStats()
		fmt.Printf("recovery stats: %+v\n", stats)
	}
}

func printChunks(d demux.Demuxer, n int, logger *slog.Logger) {
	for i := 0; i < n; i++ {
		chunk, err := d.ReadChunk()
		if err != nil {
			logger.Error("reading chunk", slogx.Error(err))
			return
		}
		if chunk.EOF() {
			fmt.Println("eof")
			return
		}
		fmt.Printf("chunk: stream=%d bytes=%d ts=%dms key=%v\n",
			chunk.StreamID, len(chunk.Data), chunk.TimestampMs, chunk.Keyframe)
	}
}

func openTarget(target string, cfg *config.Config, logger *slog.Logger) (bytestream.ByteStream, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		pool := bufferpool.New(bufferpool.Config{
			MaxPoolBytes:       cfg.BufferPool.MaxPoolBytes,
			MaxBuffersPerClass: cfg.BufferPool.MaxBuffersPerClass,
			PreallocateCommon:  cfg.BufferPool.PreallocateCommon,
			Logger:             logger,
		})
		httpCfg := httpstream.Config{
			Client:         &http.Client{Timeout: time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second},
			Pool:           pool,
			Logger:         logger,
			TimeoutSeconds: cfg.HTTP.TimeoutSeconds,
			MaxRetries:     cfg.HTTP.MaxRetries,
			ReadAheadOK:    cfg.HTTP.ReadAheadOK,
		}
		return httpstream.Open(context.Background(), target, httpCfg)
	}
	return filestream.Open(filepath.Clean(target))
}
