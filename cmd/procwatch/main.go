// procwatch samples local processes and submits newly observed ones to a
// warden API for scoring. It is a fire-and-forget collector: submission
// failures are logged and the next sweep continues.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lucid-vigil/warden/pkg/logger"
)

type submission struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	ProcessName string                 `json:"process_name"`
	CommandLine string                 `json:"command_line"`
	ParentImage string                 `json:"parent_image"`
	User        string                 `json:"user"`
	RawData     map[string]interface{} `json:"raw_event_data"`
}

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "warden API base URL")
	interval := flag.Duration("interval", 5*time.Second, "sampling interval")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger.InitLogger(*logLevel)
	log.Info().Str("api", *apiURL).Dur("interval", *interval).Msg("procwatch starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Stopping...", sig)
		cancel()
	}()

	hostname, _ := os.Hostname()
	client := &http.Client{Timeout: 10 * time.Second}

	// Seed with the current process table so only processes created after
	// startup are submitted.
	known := snapshotPIDs()
	log.Info().Int("seeded", len(known)).Msg("Initial process table captured")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("procwatch stopped")
			return
		case <-ticker.C:
			known = sweep(ctx, client, *apiURL, hostname, known)
		}
	}
}

func snapshotPIDs() map[int32]bool {
	known := make(map[int32]bool)
	procs, err := process.Processes()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get initial process list")
		return known
	}
	for _, p := range procs {
		known[p.Pid] = true
	}
	return known
}

// sweep diffs the process table against the previous sweep and submits every
// new PID. The returned map becomes the next baseline.
func sweep(ctx context.Context, client *http.Client, apiURL, hostname string, known map[int32]bool) map[int32]bool {
	procs, err := process.Processes()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get process list")
		return known
	}

	current := make(map[int32]bool, len(procs))
	submitted, failed := 0, 0

	for _, p := range procs {
		current[p.Pid] = true
		if known[p.Pid] {
			continue
		}

		sub, err := describe(p, hostname)
		if err != nil {
			// Short-lived processes disappear between listing and
			// inspection.
			continue
		}
		if err := submit(ctx, client, apiURL, sub); err != nil {
			failed++
			log.Warn().Err(err).Int32("pid", p.Pid).Str("process", sub.ProcessName).Msg("Submission failed")
			continue
		}
		submitted++
	}

	if submitted > 0 || failed > 0 {
		log.Info().Int("submitted", submitted).Int("failed", failed).Msg("Sweep complete")
	}
	return current
}

func describe(p *process.Process, hostname string) (submission, error) {
	name, err := p.Name()
	if err != nil {
		return submission{}, err
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return submission{}, err
	}
	if cmdline == "" {
		cmdline = name
	}

	username, _ := p.Username()
	createMillis, _ := p.CreateTime()

	parentImage := ""
	if parent, err := p.Parent(); err == nil {
		if exe, err := parent.Exe(); err == nil {
			parentImage = exe
		} else if pname, err := parent.Name(); err == nil {
			parentImage = pname
		}
	}

	return submission{
		EventID:     fmt.Sprintf("%s:%d:%d", hostname, p.Pid, createMillis),
		Timestamp:   time.UnixMilli(createMillis).UTC(),
		ProcessName: name,
		CommandLine: cmdline,
		ParentImage: parentImage,
		User:        username,
		RawData: map[string]interface{}{
			"host": hostname,
			"pid":  p.Pid,
		},
	}, nil
}

func submit(ctx context.Context, client *http.Client, apiURL string, sub submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("api returned %d", resp.StatusCode)
	}
	return nil
}
