package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/client"
	"github.com/book-expert/vc-service/internal/config"
	"github.com/book-expert/vc-service/internal/control"
	"github.com/redis/go-redis/v9"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the vc-service"
	flagActionDesc  = "One of: speakers, compatibility, matrix, convert, stream, tts, reload, health, publish"
	flagInputDesc   = "Source audio file for convert and stream"
	flagOutputDesc  = "Output file path (.wav)"
	flagSpeakerDesc = "Target speaker; a comma-separated pair for compatibility"
	flagTextDesc    = "Text to synthesize for tts"
	flagTimeoutDesc = "Request timeout"
	flagRedisDesc   = "Redis address for publish"
	flagChannelDesc = "Control channel for publish: load, unload or reload"
	flagVerboseDesc = "Enable verbose logging"
)

// Flag names.
const (
	flagServer  = "server"
	flagAction  = "action"
	flagInput   = "input"
	flagOutput  = "output"
	flagSpeaker = "speaker"
	flagText    = "text"
	flagTimeout = "timeout"
	flagRedis   = "redis"
	flagChannel = "channel"
	flagVerbose = "verbose"
)

// Actions.
const (
	actionSpeakers      = "speakers"
	actionCompatibility = "compatibility"
	actionMatrix        = "matrix"
	actionConvert       = "convert"
	actionStream        = "stream"
	actionTTS           = "tts"
	actionReload        = "reload"
	actionHealth        = "health"
	actionPublish       = "publish"
)

// Defaults.
const (
	defaultServer      = "http://localhost:8881"
	defaultTimeout     = 5 * time.Minute
	defaultOutputFile  = "converted_audio.wav"
	logFileNameDefault = "vc-client.log"
	logFileNameVerbose = "vc-client-verbose.log"
)

// Error and log messages.
const (
	errFmtInitLogger     = "failed to initialize logger: %w"
	errFmtReadInput      = "failed to read input %s: %w"
	errFmtWriteOutput    = "failed to write output %s: %w"
	errFmtUnknownChannel = "%w: %q"
	logWroteOutput       = "Wrote %d bytes to %s"
)

var (
	errActionRequired  = errors.New("--action is required")
	errUnknownAction   = errors.New("unknown action")
	errInputRequired   = errors.New("--input is required for convert and stream")
	errTextRequired    = errors.New("--text is required for tts")
	errSpeakerPair     = errors.New("--speaker must name two speakers separated by a comma")
	errRedisRequired   = errors.New("--redis and --channel are required for publish")
	errUnknownChannel  = errors.New("unknown control channel")
	errServiceDegraded = errors.New("service is degraded")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	action  string
	input   string
	output  string
	speaker string
	text    string
	redis   string
	channel string
	timeout time.Duration
	verbose bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validate(flags)
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	appLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFmtInitLogger, err)
	}
	defer appLog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	err = execute(ctx, client.New(flags.server, flags.timeout), flags, stdout)
	if err != nil {
		appLog.Error("Action %s failed: %v", flags.action, err)

		return err
	}

	appLog.Info("Action %s against %s succeeded", flags.action, flags.server)

	return nil
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("vc-client", flag.ContinueOnError)
	set.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	set.StringVar(&flags.action, flagAction, "", flagActionDesc)
	set.StringVar(&flags.input, flagInput, "", flagInputDesc)
	set.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	set.StringVar(&flags.speaker, flagSpeaker, "", flagSpeakerDesc)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.StringVar(&flags.redis, flagRedis, "", flagRedisDesc)
	set.StringVar(&flags.channel, flagChannel, "", flagChannelDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	set.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)

	err := set.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validate checks that the flags required by the chosen action are present.
func validate(flags appFlags) error {
	switch flags.action {
	case "":
		return errActionRequired
	case actionSpeakers, actionMatrix, actionReload, actionHealth:
		return nil
	case actionConvert, actionStream:
		if flags.input == "" {
			return errInputRequired
		}

		return nil
	case actionTTS:
		if strings.TrimSpace(flags.text) == "" {
			return errTextRequired
		}

		return nil
	case actionCompatibility:
		_, _, err := speakerPair(flags.speaker)

		return err
	case actionPublish:
		if flags.redis == "" || flags.channel == "" {
			return errRedisRequired
		}

		_, err := controlChannel(flags.channel)

		return err
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, flags.action)
	}
}

func execute(ctx context.Context, c *client.Client, flags appFlags, stdout io.Writer) error {
	switch flags.action {
	case actionSpeakers:
		speakers, err := c.Speakers(ctx)
		if err != nil {
			return err
		}

		return printJSON(stdout, speakers)
	case actionCompatibility:
		speaker1, speaker2, _ := speakerPair(flags.speaker)

		result, err := c.Compatibility(ctx, speaker1, speaker2)
		if err != nil {
			return err
		}

		return printJSON(stdout, result)
	case actionMatrix:
		matrix, err := c.SimilarityMatrix(ctx)
		if err != nil {
			return err
		}

		return printJSON(stdout, matrix)
	case actionConvert, actionStream:
		return convertFile(ctx, c, flags, stdout)
	case actionTTS:
		audio, err := c.TextToSpeech(ctx, flags.text, flags.speaker)
		if err != nil {
			return err
		}

		return writeOutput(stdout, flags.output, audio)
	case actionReload:
		generation, err := c.Reload(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(stdout, "Model reloaded, generation %d\n", generation)

		return nil
	case actionHealth:
		health, err := c.Health(ctx)
		printErr := printJSON(stdout, health)

		if err != nil {
			return fmt.Errorf("%w: %w", errServiceDegraded, err)
		}

		return printErr
	case actionPublish:
		return publish(ctx, flags, stdout)
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, flags.action)
	}
}

func convertFile(ctx context.Context, c *client.Client, flags appFlags, stdout io.Writer) error {
	source, err := os.ReadFile(flags.input)
	if err != nil {
		return fmt.Errorf(errFmtReadInput, flags.input, err)
	}

	filename := filepath.Base(flags.input)

	var converted []byte
	if flags.action == actionStream {
		converted, _, err = c.ConvertStream(ctx, source, filename, flags.speaker)
	} else {
		converted, err = c.Convert(ctx, source, filename, flags.speaker)
	}

	if err != nil {
		return err
	}

	return writeOutput(stdout, flags.output, converted)
}

// publish sends a model control message straight to Redis, bypassing HTTP.
func publish(ctx context.Context, flags appFlags, stdout io.Writer) error {
	channel, _ := controlChannel(flags.channel)

	redisClient := redis.NewClient(&redis.Options{Addr: flags.redis})
	defer redisClient.Close()

	receivers, err := control.Publish(ctx, redisClient, channel)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Published to %s, %d receivers\n", channel, receivers)

	return nil
}

func controlChannel(name string) (string, error) {
	switch name {
	case "load":
		return config.DefaultLoadChannel, nil
	case "unload":
		return config.DefaultUnloadChannel, nil
	case "reload":
		return config.DefaultReloadChannel, nil
	default:
		return "", fmt.Errorf(errFmtUnknownChannel, errUnknownChannel, name)
	}
}

func speakerPair(value string) (string, string, error) {
	speaker1, speaker2, found := strings.Cut(value, ",")
	speaker1 = strings.TrimSpace(speaker1)
	speaker2 = strings.TrimSpace(speaker2)

	if !found || speaker1 == "" || speaker2 == "" {
		return "", "", errSpeakerPair
	}

	return speaker1, speaker2, nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	err := os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf(errFmtWriteOutput, path, err)
	}

	fmt.Fprintf(stdout, logWroteOutput+"\n", len(data), path)

	return nil
}

func printJSON(stdout io.Writer, value any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
