// Command media-client sends generation, status and cancel requests to a
// running media-service over NATS and optionally downloads the artifact.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/objectstore"
	"github.com/book-expert/media-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag names.
const (
	flagText     = "text"
	flagPrompt   = "prompt"
	flagVoice    = "voice"
	flagLanguage = "language"
	flagQuality  = "quality"
	flagDuration = "duration"
	flagEntity   = "entity"
	flagOutput   = "output"
	flagStatus   = "status"
	flagCancel   = "cancel"
	flagHealth   = "health"
	flagConfig   = "config"
	flagURL      = "url"
	flagTimeout  = "timeout"
	flagChunks   = "chunks"
	flagWait     = "wait"
)

// Flag descriptions.
const (
	flagTextDesc     = "Text to convert to speech"
	flagPromptDesc   = "Prompt to turn into video"
	flagVoiceDesc    = "Voice identifier for speech"
	flagLanguageDesc = "Language code for speech"
	flagQualityDesc  = "Quality tier: draft, standard or high"
	flagDurationDesc = "Requested video duration"
	flagEntityDesc   = "Entity the request belongs to"
	flagOutputDesc   = "Write the artifact to this file"
	flagStatusDesc   = "Print the status of an asynchronous task"
	flagCancelDesc   = "Cancel an asynchronous task"
	flagHealthDesc   = "Check the webhook health endpoint at this base URL and exit"
	flagConfigDesc   = "Path to a TOML config file for NATS settings"
	flagURLDesc      = "NATS server URL (overrides the config)"
	flagTimeoutDesc  = "How long to wait for a reply"
	flagChunksDesc   = "JSON file holding an array of text chunks to convert to speech"
	flagWaitDesc     = "With --status, hold the reply until the task finishes or this long passes"
)

const defaultTimeout = 5 * time.Minute

var (
	// ErrNoAction indicates that no request flag was given.
	ErrNoAction = errors.New("one of --text, --chunks, --prompt, --status, --cancel or --health must be provided")
	// ErrConflictingActions indicates more than one request flag was given.
	ErrConflictingActions = errors.New("only one of --text, --chunks, --prompt, --status, --cancel or --health may be provided")
	// ErrNoChunks indicates a chunks file without any chunk.
	ErrNoChunks = errors.New("chunks file holds no chunks")
	// ErrUnhealthy indicates a non-200 health response.
	ErrUnhealthy = errors.New("media service is not healthy")
	// ErrRequestFailed indicates the service replied with an error.
	ErrRequestFailed = errors.New("request failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text     string
	prompt   string
	voice    string
	language string
	quality  string
	duration time.Duration
	entity   string
	output   string
	status   string
	cancel   string
	health   string
	config   string
	url      string
	timeout  time.Duration
	chunks   string
	wait     time.Duration
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	err = run(context.Background(), flags, os.Stdout)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// parseFlags defines flags on fs, parses args and validates the combination.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.prompt, flagPrompt, "", flagPromptDesc)
	fs.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	fs.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	fs.StringVar(&flags.quality, flagQuality, "", flagQualityDesc)
	fs.DurationVar(&flags.duration, flagDuration, 0, flagDurationDesc)
	fs.StringVar(&flags.entity, flagEntity, "", flagEntityDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.StringVar(&flags.status, flagStatus, "", flagStatusDesc)
	fs.StringVar(&flags.cancel, flagCancel, "", flagCancelDesc)
	fs.StringVar(&flags.health, flagHealth, "", flagHealthDesc)
	fs.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	fs.StringVar(&flags.url, flagURL, "", flagURLDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	fs.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	fs.DurationVar(&flags.wait, flagWait, 0, flagWaitDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, validateFlags(flags)
}

func validateFlags(flags appFlags) error {
	actions := 0

	for _, value := range []string{flags.text, flags.chunks, flags.prompt, flags.status, flags.cancel, flags.health} {
		if value != "" {
			actions++
		}
	}

	switch {
	case actions == 0:
		return ErrNoAction
	case actions > 1:
		return ErrConflictingActions
	}

	return nil
}

// buildRequest turns the flags into a generation request.
func buildRequest(flags appFlags) core.Request {
	media := core.MediaSpeech
	if flags.prompt != "" {
		media = core.MediaVideo
	}

	return core.Request{
		Media:    media,
		Text:     flags.text,
		Prompt:   flags.prompt,
		Voice:    flags.voice,
		Language: flags.language,
		Quality:  core.Quality(flags.quality),
		Duration: flags.duration,
		EntityID: flags.entity,
		Options:  nil,
	}
}

func loadConfig(flags appFlags) (*config.Config, error) {
	cfg := &config.Config{}

	if flags.config != "" {
		loaded, err := config.LoadFile(flags.config)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}

	if flags.url != "" {
		cfg.NATS.URL = flags.url
	}

	return cfg, nil
}

func run(ctx context.Context, flags appFlags, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	if flags.health != "" {
		return checkHealth(ctx, flags.health, out)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("media-client"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	switch {
	case flags.status != "":
		return requestStatus(ctx, nc, cfg.NATS.StatusSubject, worker.StatusRequest{
			Header:      header(),
			TaskID:      flags.status,
			Cancel:      false,
			WaitSeconds: int(flags.wait / time.Second),
		}, out)
	case flags.cancel != "":
		return requestStatus(ctx, nc, cfg.NATS.StatusSubject, worker.StatusRequest{
			Header:      header(),
			TaskID:      flags.cancel,
			Cancel:      true,
			WaitSeconds: 0,
		}, out)
	default:
		return generate(ctx, nc, cfg, flags, out)
	}
}

func header() events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     "",
		TenantID:   "",
	}
}

func request[T any](ctx context.Context, nc *nats.Conn, subject string, payload any) (T, error) {
	var reply T

	data, err := json.Marshal(payload)
	if err != nil {
		return reply, fmt.Errorf("failed to marshal request: %w", err)
	}

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return reply, fmt.Errorf("failed to send request on '%s': %w", subject, err)
	}

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return reply, fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	return reply, nil
}

// readChunks loads a JSON array of text chunks.
func readChunks(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file '%s': %w", path, err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks file '%s': %w", path, err)
	}

	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	return chunks, nil
}

func generate(ctx context.Context, nc *nats.Conn, cfg *config.Config, flags appFlags, out io.Writer) error {
	in := worker.GenerateRequest{Header: header(), Request: buildRequest(flags), Chunks: nil}

	if flags.chunks != "" {
		chunks, err := readChunks(flags.chunks)
		if err != nil {
			return err
		}

		in.Chunks = chunks
	}

	reply, err := request[worker.GenerateReply](ctx, nc, cfg.NATS.GenerateSubject, in)
	if err != nil {
		return err
	}

	if reply.Error != "" {
		return fmt.Errorf("%w (%s): %s", ErrRequestFailed, reply.ErrorKind, reply.Error)
	}

	err = writeJSON(out, reply)
	if err != nil {
		return err
	}

	if flags.output == "" || reply.Artifact == nil {
		return nil
	}

	return saveArtifact(ctx, nc, cfg.NATS.ArtifactObjectStoreBucket, reply.Artifact, flags.output)
}

func saveArtifact(ctx context.Context, nc *nats.Conn, bucket string, ref *worker.ArtifactRef, path string) error {
	if ref.URL != "" && ref.SizeBytes == 0 {
		return fmt.Errorf("%w: artifact is hosted by the provider at %s", ErrRequestFailed, ref.URL)
	}

	jetstreamContext, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, bucket)
	if err != nil {
		return err
	}

	data, err := store.Download(ctx, ref.Key)
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write artifact to '%s': %w", path, err)
	}

	return nil
}

func requestStatus(ctx context.Context, nc *nats.Conn, subject string, in worker.StatusRequest, out io.Writer) error {
	reply, err := request[worker.StatusReply](ctx, nc, subject, in)
	if err != nil {
		return err
	}

	if reply.Error != "" {
		return fmt.Errorf("%w: %s", ErrRequestFailed, reply.Error)
	}

	return writeJSON(out, reply)
}

func checkHealth(ctx context.Context, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrUnhealthy, resp.StatusCode, body)
	}

	_, err = fmt.Fprintf(out, "%s\n", body)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
